package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDriver drives a device over MQTT using the Zigbee2MQTT payload
// conventions: {"state":"ON"|"OFF"} for switching, brightness 0-255 for
// levels.
type MQTTDriver struct {
	client       mqtt.Client
	commandTopic string
	stateTopic   string
	qos          byte
}

type mqttCommand struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

// NewMQTTDriver wraps an already connected client. commandTopic is the
// device's set topic; stateTopic may be empty when the device does not
// report state.
func NewMQTTDriver(client mqtt.Client, commandTopic, stateTopic string) *MQTTDriver {
	return &MQTTDriver{
		client:       client,
		commandTopic: commandTopic,
		stateTopic:   stateTopic,
		qos:          1,
	}
}

// ConnectMQTT dials the broker with the conventional options and blocks
// until connected or the timeout elapses.
func ConnectMQTT(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	log.Printf("actuator: connected to MQTT broker %s", brokerURL)
	return client, nil
}

func (d *MQTTDriver) publish(ctx context.Context, payload mqttCommand) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := d.client.Publish(d.commandTopic, d.qos, false, data)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

func (d *MQTTDriver) TurnOn(ctx context.Context) error {
	return d.publish(ctx, mqttCommand{State: "ON"})
}

func (d *MQTTDriver) TurnOff(ctx context.Context) error {
	return d.publish(ctx, mqttCommand{State: "OFF"})
}

// SetLevel maps [0,100] onto brightness [0,255]; level 0 turns the device off.
func (d *MQTTDriver) SetLevel(ctx context.Context, level float64) error {
	state := "ON"
	if level <= 0 {
		state = "OFF"
	}
	brightness := int(math.Round(level * 2.55))
	return d.publish(ctx, mqttCommand{State: state, Brightness: &brightness})
}

func (d *MQTTDriver) IsAvailable(ctx context.Context) bool {
	return d.client.IsConnected()
}

// Cleanup disconnects nothing: the client is shared across drivers and owned
// by the caller.
func (d *MQTTDriver) Cleanup() {}

// --- Zigbee2MQTT bridge operations ---

const (
	z2mRenameTopic = "zigbee2mqtt/bridge/request/device/rename"
	z2mRemoveTopic = "zigbee2mqtt/bridge/request/device/remove"
)

type z2mRename struct {
	From                string `json:"from"`
	To                  string `json:"to"`
	HomeassistantRename bool   `json:"homeassistant_rename"`
}

type z2mRemove struct {
	ID string `json:"id"`
}

// RenameZigbeeDevice asks the Zigbee2MQTT bridge to rename a device.
func RenameZigbeeDevice(client mqtt.Client, from, to string) error {
	data, err := json.Marshal(z2mRename{From: from, To: to, HomeassistantRename: false})
	if err != nil {
		return err
	}
	token := client.Publish(z2mRenameTopic, 1, false, data)
	token.Wait()
	return token.Error()
}

// RemoveZigbeeDevice asks the Zigbee2MQTT bridge to remove a device.
func RemoveZigbeeDevice(client mqtt.Client, id string) error {
	data, err := json.Marshal(z2mRemove{ID: id})
	if err != nil {
		return err
	}
	token := client.Publish(z2mRemoveTopic, 1, false, data)
	token.Wait()
	return token.Error()
}
