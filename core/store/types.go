package store

import (
	"fmt"
	"time"
)

// Metric identifies a sensor measurement channel.
type Metric string

const (
	MetricTemperature  Metric = "temperature"
	MetricHumidity     Metric = "humidity"
	MetricCO2          Metric = "co2"
	MetricVOC          Metric = "voc"
	MetricSoilMoisture Metric = "soil_moisture"
	MetricLux          Metric = "lux"
	MetricPressure     Metric = "pressure"
	MetricPH           Metric = "ph"
	MetricEC           Metric = "ec"
	MetricAirQuality   Metric = "air_quality"
)

// AllMetrics lists every metric the throttle layer tracks.
var AllMetrics = []Metric{
	MetricTemperature, MetricHumidity, MetricCO2, MetricVOC, MetricSoilMoisture,
	MetricLux, MetricPressure, MetricPH, MetricEC, MetricAirQuality,
}

// ActuatorKind is the logical device class a driver is registered under.
type ActuatorKind string

const (
	KindHeater       ActuatorKind = "heater"
	KindFan          ActuatorKind = "fan"
	KindHumidifier   ActuatorKind = "humidifier"
	KindDehumidifier ActuatorKind = "dehumidifier"
	KindCO2Injector  ActuatorKind = "co2_injector"
	KindLight        ActuatorKind = "light"
	KindPump         ActuatorKind = "pump"
	KindValve        ActuatorKind = "valve"
)

// ParseActuatorKind validates a kind string. Unknown values are errors,
// never silent no-ops.
func ParseActuatorKind(s string) (ActuatorKind, error) {
	switch ActuatorKind(s) {
	case KindHeater, KindFan, KindHumidifier, KindDehumidifier,
		KindCO2Injector, KindLight, KindPump, KindValve:
		return ActuatorKind(s), nil
	}
	return "", fmt.Errorf("unknown actuator kind %q", s)
}

// RequestStatus is the irrigation request lifecycle state.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusDelayed   RequestStatus = "DELAYED"
	StatusExecuting RequestStatus = "EXECUTING"
	StatusExecuted  RequestStatus = "EXECUTED"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusCancelled RequestStatus = "CANCELLED"
	StatusFailed    RequestStatus = "FAILED"
)

// ParseRequestStatus validates a status string.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case StatusPending, StatusApproved, StatusDelayed, StatusExecuting,
		StatusExecuted, StatusExpired, StatusCancelled, StatusFailed:
		return RequestStatus(s), nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// Terminal reports whether the status is sticky: no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next exists in the request
// state machine. Terminal states have no outgoing edges.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusDelayed ||
			next == StatusCancelled || next == StatusExpired
	case StatusDelayed:
		return next == StatusApproved || next == StatusDelayed ||
			next == StatusCancelled || next == StatusExpired ||
			next == StatusExecuting
	case StatusApproved:
		return next == StatusExecuting || next == StatusExpired
	case StatusExecuting:
		return next == StatusExecuted || next == StatusFailed ||
			next == StatusApproved || next == StatusDelayed // claim released on lock contention
	}
	return false
}

// FeedbackResponse is the categorical post-irrigation user feedback.
type FeedbackResponse string

const (
	FeedbackTooLittle    FeedbackResponse = "too_little"
	FeedbackJustRight    FeedbackResponse = "just_right"
	FeedbackTooMuch      FeedbackResponse = "too_much"
	FeedbackTooEarly     FeedbackResponse = "triggered_too_early"
	FeedbackTooLate      FeedbackResponse = "triggered_too_late"
	FeedbackSkipped      FeedbackResponse = "skipped"
)

// ParseFeedbackResponse validates a feedback string.
func ParseFeedbackResponse(s string) (FeedbackResponse, error) {
	switch FeedbackResponse(s) {
	case FeedbackTooLittle, FeedbackJustRight, FeedbackTooMuch,
		FeedbackTooEarly, FeedbackTooLate, FeedbackSkipped:
		return FeedbackResponse(s), nil
	}
	return "", fmt.Errorf("unknown feedback response %q", s)
}

// SkipReason explains why a detection pass did not create a request.
type SkipReason string

const (
	SkipDisabled         SkipReason = "DISABLED"
	SkipManualMode       SkipReason = "MANUAL_MODE_NO_AUTO"
	SkipNoSensor         SkipReason = "NO_SENSOR"
	SkipStaleReading     SkipReason = "STALE_READING"
	SkipPendingRequest   SkipReason = "PENDING_REQUEST"
	SkipCooldownActive   SkipReason = "COOLDOWN_ACTIVE"
	SkipHysteresisNotMet SkipReason = "HYSTERESIS_NOT_MET"
)

// IrrigationRequest is one pass through the approval/execution state machine.
type IrrigationRequest struct {
	ID                   string        `json:"id" db:"id"`
	UnitID               string        `json:"unit_id" db:"unit_id"`
	PlantID              *string       `json:"plant_id,omitempty" db:"plant_id"`
	ActuatorID           *string       `json:"actuator_id,omitempty" db:"actuator_id"`
	SensorID             string        `json:"sensor_id" db:"sensor_id"`
	UserID               string        `json:"user_id" db:"user_id"`
	Status               RequestStatus `json:"status" db:"status"`
	SoilMoistureDetected float64       `json:"soil_moisture_detected" db:"soil_moisture_detected"`
	Threshold            float64       `json:"threshold" db:"threshold"`
	DetectedAt           time.Time     `json:"detected_at" db:"detected_at"`
	ScheduledAt          time.Time     `json:"scheduled_at" db:"scheduled_at"`
	ExpiresAt            time.Time     `json:"expires_at" db:"expires_at"`
	DelayedUntil         *time.Time    `json:"delayed_until,omitempty" db:"delayed_until"`
	UserResponse         *string       `json:"user_response,omitempty" db:"user_response"`
	RespondedAt          *time.Time    `json:"responded_at,omitempty" db:"responded_at"`
	NotificationID       *string       `json:"notification_id,omitempty" db:"notification_id"`
	FeedbackID           *string       `json:"feedback_id,omitempty" db:"feedback_id"`

	// Detection-time snapshot.
	HoursSinceLast *float64 `json:"hours_since_last,omitempty" db:"hours_since_last"`
	SnapTempC      *float64 `json:"snap_temp_c,omitempty" db:"snap_temp_c"`
	SnapHumidity   *float64 `json:"snap_humidity,omitempty" db:"snap_humidity"`
	SnapVPD        *float64 `json:"snap_vpd,omitempty" db:"snap_vpd"`
	SnapLux        *float64 `json:"snap_lux,omitempty" db:"snap_lux"`
	PlantType      string   `json:"plant_type,omitempty" db:"plant_type"`
	GrowthStage    string   `json:"growth_stage,omitempty" db:"growth_stage"`
	Variety        string   `json:"variety,omitempty" db:"variety"`
	PotSizeL       float64  `json:"pot_size_l,omitempty" db:"pot_size_l"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// claimedFrom records the pre-claim status so a claim can be released
	// unchanged when the unit lock is busy. Never persisted.
	ClaimedFrom RequestStatus `json:"-" db:"-"`
}

// ExecutionLog is one irrigation execution attempt, manual runs included.
type ExecutionLog struct {
	ID                string     `json:"id" db:"id"`
	RequestID         *string    `json:"request_id,omitempty" db:"request_id"`
	UnitID            string     `json:"unit_id" db:"unit_id"`
	SensorID          string     `json:"sensor_id" db:"sensor_id"`
	ActuatorID        string     `json:"actuator_id" db:"actuator_id"`
	Trigger           string     `json:"trigger" db:"trigger"` // "workflow" or "manual"
	TriggeredAtUTC    time.Time  `json:"triggered_at_utc" db:"triggered_at_utc"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	PlannedDurationS  int        `json:"planned_duration_s" db:"planned_duration_s"`
	ActualDurationS   *int       `json:"actual_duration_s,omitempty" db:"actual_duration_s"`
	EstimatedVolumeML float64    `json:"estimated_volume_ml" db:"estimated_volume_ml"`
	PreMoisture       float64    `json:"pre_moisture" db:"pre_moisture"`
	Threshold         float64    `json:"threshold" db:"threshold"`
	PostMoisture      *float64   `json:"post_moisture,omitempty" db:"post_moisture"`
	DeltaMoisture     *float64   `json:"delta_moisture,omitempty" db:"delta_moisture"`
	PostDelayS        int        `json:"post_delay_s" db:"post_delay_s"`
	Recommendation    *string    `json:"recommendation,omitempty" db:"recommendation"`
	ErrorMsg          *string    `json:"error,omitempty" db:"error"`
}

// EligibilityTrace is one append-only record of a detection gate pass.
type EligibilityTrace struct {
	UnitID      string      `json:"unit_id" db:"unit_id"`
	PlantID     *string     `json:"plant_id,omitempty" db:"plant_id"`
	SensorID    *string     `json:"sensor_id,omitempty" db:"sensor_id"`
	Moisture    float64     `json:"moisture" db:"moisture"`
	Threshold   float64     `json:"threshold" db:"threshold"`
	Decision    string      `json:"decision" db:"decision"` // "NOTIFY" or "SKIP"
	SkipReason  *SkipReason `json:"skip_reason,omitempty" db:"skip_reason"`
	EvaluatedAt time.Time   `json:"evaluated_at" db:"evaluated_at"`
}

// IrrigationFeedback is the row a solicitation creates and a user response fills.
type IrrigationFeedback struct {
	ID          string            `json:"id" db:"id"`
	RequestID   string            `json:"request_id" db:"request_id"`
	Response    *FeedbackResponse `json:"response,omitempty" db:"response"`
	Notes       *string           `json:"notes,omitempty" db:"notes"`
	RespondedAt *time.Time        `json:"responded_at,omitempty" db:"responded_at"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// UserPreferences carries per-(user,unit) learning counters and the serialized
// threshold belief map.
type UserPreferences struct {
	UserID             string    `json:"user_id" db:"user_id"`
	UnitID             string    `json:"unit_id" db:"unit_id"`
	ApproveCount       int       `json:"approve_count" db:"approve_count"`
	DelayCount         int       `json:"delay_count" db:"delay_count"`
	CancelCount        int       `json:"cancel_count" db:"cancel_count"`
	PreferenceScore    float64   `json:"preference_score" db:"preference_score"`
	AvgResponseSeconds float64   `json:"avg_response_seconds" db:"avg_response_seconds"`
	TooLittleCount     int       `json:"too_little_count" db:"too_little_count"`
	JustRightCount     int       `json:"just_right_count" db:"just_right_count"`
	TooMuchCount       int       `json:"too_much_count" db:"too_much_count"`
	ThresholdBeliefJSON string   `json:"threshold_belief_json" db:"threshold_belief_json"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// PlantIrrigationModel is the per-plant drydown model fitted from post-capture
// deltas over time.
type PlantIrrigationModel struct {
	PlantID            string    `json:"plant_id" db:"plant_id"`
	UnitID             string    `json:"unit_id" db:"unit_id"`
	DrydownRatePerHour float64   `json:"drydown_rate_per_hour" db:"drydown_rate_per_hour"`
	SampleCount        int       `json:"sample_count" db:"sample_count"`
	Confidence         float64   `json:"confidence" db:"confidence"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// SensorSample is one throttled environment reading accepted for storage.
// Non-numeric payloads carry Text and a nil Value.
type SensorSample struct {
	UnitID     string    `json:"unit_id" db:"unit_id"`
	SensorID   string    `json:"sensor_id" db:"sensor_id"`
	Metric     Metric    `json:"metric" db:"metric"`
	Value      *float64  `json:"value,omitempty" db:"value"`
	Text       *string   `json:"text,omitempty" db:"text"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// PlantSample is one throttled plant-scoped reading (soil moisture, pH, EC).
type PlantSample struct {
	UnitID     string    `json:"unit_id" db:"unit_id"`
	SensorID   string    `json:"sensor_id" db:"sensor_id"`
	PlantID    *string   `json:"plant_id,omitempty" db:"plant_id"`
	Metric     Metric    `json:"metric" db:"metric"`
	Value      *float64  `json:"value,omitempty" db:"value"`
	Text       *string   `json:"text,omitempty" db:"text"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// PlantContext is the resolved plant scope for one soil-moisture sensor.
type PlantContext struct {
	PlantID        string  `json:"plant_id"`
	UnitID         string  `json:"unit_id"`
	UserID         string  `json:"user_id"`
	PlantType      string  `json:"plant_type"`
	GrowthStage    string  `json:"growth_stage"`
	Variety        string  `json:"variety"`
	PotSizeL       float64 `json:"pot_size_l"`
	AssignedPump   *string `json:"assigned_pump,omitempty"`
	AssignedValve  *string `json:"assigned_valve,omitempty"`
	TargetMoisture float64 `json:"target_moisture"`
}
