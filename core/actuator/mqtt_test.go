package actuator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

// fakeMQTT records publishes; everything else is a successful no-op.
type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
}

func (c *fakeMQTT) IsConnected() bool       { return true }
func (c *fakeMQTT) IsConnectionOpen() bool  { return true }
func (c *fakeMQTT) Connect() mqtt.Token     { return doneToken{} }
func (c *fakeMQTT) Disconnect(quiesce uint) {}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic: topic, payload: append([]byte(nil), payload.([]byte)...)})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeMQTT) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return doneToken{} }
func (c *fakeMQTT) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeMQTT) Unsubscribe(...string) mqtt.Token          { return doneToken{} }
func (c *fakeMQTT) AddRoute(string, mqtt.MessageHandler)      {}
func (c *fakeMQTT) OptionsReader() mqtt.ClientOptionsReader   { return mqtt.ClientOptionsReader{} }

func (c *fakeMQTT) last(t *testing.T) published {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatalf("nothing published")
	}
	return c.msgs[len(c.msgs)-1]
}

func decodePayload(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("payload %s: %v", raw, err)
	}
	return m
}

func TestMQTTOnOffPayloads(t *testing.T) {
	client := &fakeMQTT{}
	d := NewMQTTDriver(client, "zigbee2mqtt/plug-1/set", "")

	if err := d.TurnOn(context.Background()); err != nil {
		t.Fatalf("TurnOn: %v", err)
	}
	msg := client.last(t)
	if msg.topic != "zigbee2mqtt/plug-1/set" {
		t.Fatalf("topic %q", msg.topic)
	}
	m := decodePayload(t, msg.payload)
	if m["state"] != "ON" {
		t.Fatalf("on payload %v", m)
	}
	if _, hasBrightness := m["brightness"]; hasBrightness {
		t.Fatalf("on payload carries brightness: %v", m)
	}

	if err := d.TurnOff(context.Background()); err != nil {
		t.Fatalf("TurnOff: %v", err)
	}
	if m := decodePayload(t, client.last(t).payload); m["state"] != "OFF" {
		t.Fatalf("off payload %v", m)
	}
}

func TestMQTTLevelPayload(t *testing.T) {
	client := &fakeMQTT{}
	d := NewMQTTDriver(client, "zigbee2mqtt/dimmer-1/set", "")

	if err := d.SetLevel(context.Background(), 50); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	m := decodePayload(t, client.last(t).payload)
	if m["state"] != "ON" {
		t.Fatalf("level payload state %v", m["state"])
	}
	// 50 * 2.55 = 127.5 rounds to 128.
	if m["brightness"].(float64) != 128 {
		t.Fatalf("brightness %v, want 128", m["brightness"])
	}

	if err := d.SetLevel(context.Background(), 0); err != nil {
		t.Fatalf("SetLevel(0): %v", err)
	}
	m = decodePayload(t, client.last(t).payload)
	if m["state"] != "OFF" || m["brightness"].(float64) != 0 {
		t.Fatalf("zero level payload %v", m)
	}
}

func TestZigbeeBridgeOperations(t *testing.T) {
	client := &fakeMQTT{}

	if err := RenameZigbeeDevice(client, "0x00158d0001", "tent-light"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	msg := client.last(t)
	if msg.topic != "zigbee2mqtt/bridge/request/device/rename" {
		t.Fatalf("rename topic %q", msg.topic)
	}
	m := decodePayload(t, msg.payload)
	if m["from"] != "0x00158d0001" || m["to"] != "tent-light" || m["homeassistant_rename"] != false {
		t.Fatalf("rename payload %v", m)
	}

	if err := RemoveZigbeeDevice(client, "tent-light"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	msg = client.last(t)
	if msg.topic != "zigbee2mqtt/bridge/request/device/remove" {
		t.Fatalf("remove topic %q", msg.topic)
	}
	if m := decodePayload(t, msg.payload); m["id"] != "tent-light" {
		t.Fatalf("remove payload %v", m)
	}
}
