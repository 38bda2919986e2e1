package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Irrigation Requests ---

const requestColumns = `
	id, unit_id, plant_id, actuator_id, sensor_id, user_id, status,
	soil_moisture_detected, threshold, detected_at, scheduled_at, expires_at,
	delayed_until, user_response, responded_at, notification_id, feedback_id,
	hours_since_last, snap_temp_c, snap_humidity, snap_vpd, snap_lux,
	plant_type, growth_stage, variety, pot_size_l, created_at, updated_at`

func scanRequest(row pgx.Row) (*IrrigationRequest, error) {
	var r IrrigationRequest
	err := row.Scan(
		&r.ID, &r.UnitID, &r.PlantID, &r.ActuatorID, &r.SensorID, &r.UserID, &r.Status,
		&r.SoilMoistureDetected, &r.Threshold, &r.DetectedAt, &r.ScheduledAt, &r.ExpiresAt,
		&r.DelayedUntil, &r.UserResponse, &r.RespondedAt, &r.NotificationID, &r.FeedbackID,
		&r.HoursSinceLast, &r.SnapTempC, &r.SnapHumidity, &r.SnapVPD, &r.SnapLux,
		&r.PlantType, &r.GrowthStage, &r.Variety, &r.PotSizeL, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *IrrigationRequest) error {
	query := `
		INSERT INTO irrigation_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,NOW(),NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		req.ID, req.UnitID, req.PlantID, req.ActuatorID, req.SensorID, req.UserID, req.Status,
		req.SoilMoistureDetected, req.Threshold, req.DetectedAt, req.ScheduledAt, req.ExpiresAt,
		req.DelayedUntil, req.UserResponse, req.RespondedAt, req.NotificationID, req.FeedbackID,
		req.HoursSinceLast, req.SnapTempC, req.SnapHumidity, req.SnapVPD, req.SnapLux,
		req.PlantType, req.GrowthStage, req.Variety, req.PotSizeL,
	)
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE id = $1`
	return scanRequest(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, req *IrrigationRequest) error {
	query := `
		UPDATE irrigation_requests SET
			status = $2, delayed_until = $3, user_response = $4, responded_at = $5,
			scheduled_at = $6, notification_id = $7, feedback_id = $8, actuator_id = $9,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		req.ID, req.Status, req.DelayedUntil, req.UserResponse, req.RespondedAt,
		req.ScheduledAt, req.NotificationID, req.FeedbackID, req.ActuatorID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("request not found")
	}
	return nil
}

func (s *PostgresStore) ActiveRequestExists(ctx context.Context, unitID string, plantID *string) (bool, error) {
	var query string
	var args []interface{}
	if plantID != nil {
		query = `
			SELECT COUNT(*) FROM irrigation_requests
			WHERE unit_id = $1 AND plant_id = $2
			  AND status IN ('PENDING','APPROVED','DELAYED','EXECUTING')
		`
		args = []interface{}{unitID, *plantID}
	} else {
		query = `
			SELECT COUNT(*) FROM irrigation_requests
			WHERE unit_id = $1
			  AND status IN ('PENDING','APPROVED','DELAYED','EXECUTING')
		`
		args = []interface{}{unitID}
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimDueRequests flips due rows to EXECUTING in one statement so two ticks
// can never claim the same request.
func (s *PostgresStore) ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error) {
	query := `
		UPDATE irrigation_requests r SET status = 'EXECUTING', updated_at = NOW()
		FROM (
			SELECT id, status AS prev_status FROM irrigation_requests
			WHERE (status = 'APPROVED' AND scheduled_at <= $1)
			   OR (status = 'DELAYED' AND delayed_until IS NOT NULL AND delayed_until <= $1)
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE r.id = due.id
		RETURNING ` + qualifiedRequestColumns("r") + `, due.prev_status
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*IrrigationRequest
	for rows.Next() {
		var r IrrigationRequest
		var prev string
		if err := rows.Scan(
			&r.ID, &r.UnitID, &r.PlantID, &r.ActuatorID, &r.SensorID, &r.UserID, &r.Status,
			&r.SoilMoistureDetected, &r.Threshold, &r.DetectedAt, &r.ScheduledAt, &r.ExpiresAt,
			&r.DelayedUntil, &r.UserResponse, &r.RespondedAt, &r.NotificationID, &r.FeedbackID,
			&r.HoursSinceLast, &r.SnapTempC, &r.SnapHumidity, &r.SnapVPD, &r.SnapLux,
			&r.PlantType, &r.GrowthStage, &r.Variety, &r.PotSizeL, &r.CreatedAt, &r.UpdatedAt, &prev,
		); err != nil {
			return nil, err
		}
		r.ClaimedFrom = RequestStatus(prev)
		claimed = append(claimed, &r)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id string, prev RequestStatus) error {
	query := `UPDATE irrigation_requests SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'EXECUTING'`
	tag, err := s.pool.Exec(ctx, query, id, prev)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("claim release lost: request no longer EXECUTING")
	}
	return nil
}

// ListRequestsByStatus returns requests in the given status, oldest detection
// first. limit <= 0 means no limit, matching the memory store.
func (s *PostgresStore) ListRequestsByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE status = $1 ORDER BY detected_at`
	args := []interface{}{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IrrigationRequest
	for rows.Next() {
		var r IrrigationRequest
		if err := rows.Scan(
			&r.ID, &r.UnitID, &r.PlantID, &r.ActuatorID, &r.SensorID, &r.UserID, &r.Status,
			&r.SoilMoistureDetected, &r.Threshold, &r.DetectedAt, &r.ScheduledAt, &r.ExpiresAt,
			&r.DelayedUntil, &r.UserResponse, &r.RespondedAt, &r.NotificationID, &r.FeedbackID,
			&r.HoursSinceLast, &r.SnapTempC, &r.SnapHumidity, &r.SnapVPD, &r.SnapLux,
			&r.PlantType, &r.GrowthStage, &r.Variety, &r.PotSizeL, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireRequests(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		UPDATE irrigation_requests SET status = 'EXPIRED', updated_at = NOW()
		WHERE status IN ('PENDING','DELAYED','APPROVED') AND expires_at <= $1
		RETURNING id
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Execution Logs ---

const executionColumns = `
	id, request_id, unit_id, sensor_id, actuator_id, trigger_kind,
	triggered_at_utc, started_at, ended_at, planned_duration_s, actual_duration_s,
	estimated_volume_ml, pre_moisture, threshold, post_moisture, delta_moisture,
	post_delay_s, recommendation, error`

func (s *PostgresStore) CreateExecutionLog(ctx context.Context, logRow *ExecutionLog) error {
	query := `
		INSERT INTO irrigation_execution_logs (` + executionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err := s.pool.Exec(ctx, query,
		logRow.ID, logRow.RequestID, logRow.UnitID, logRow.SensorID, logRow.ActuatorID, logRow.Trigger,
		logRow.TriggeredAtUTC, logRow.StartedAt, logRow.EndedAt, logRow.PlannedDurationS, logRow.ActualDurationS,
		logRow.EstimatedVolumeML, logRow.PreMoisture, logRow.Threshold, logRow.PostMoisture, logRow.DeltaMoisture,
		logRow.PostDelayS, logRow.Recommendation, logRow.ErrorMsg,
	)
	return err
}

func (s *PostgresStore) UpdateExecutionLog(ctx context.Context, logRow *ExecutionLog) error {
	query := `
		UPDATE irrigation_execution_logs SET
			started_at = $2, ended_at = $3, actual_duration_s = $4,
			post_moisture = $5, delta_moisture = $6, recommendation = $7, error = $8
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		logRow.ID, logRow.StartedAt, logRow.EndedAt, logRow.ActualDurationS,
		logRow.PostMoisture, logRow.DeltaMoisture, logRow.Recommendation, logRow.ErrorMsg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("execution log not found")
	}
	return nil
}

func (s *PostgresStore) GetExecutionLogByRequest(ctx context.Context, requestID string) (*ExecutionLog, error) {
	query := `SELECT ` + executionColumns + ` FROM irrigation_execution_logs WHERE request_id = $1 ORDER BY triggered_at_utc DESC LIMIT 1`
	var l ExecutionLog
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&l.ID, &l.RequestID, &l.UnitID, &l.SensorID, &l.ActuatorID, &l.Trigger,
		&l.TriggeredAtUTC, &l.StartedAt, &l.EndedAt, &l.PlannedDurationS, &l.ActualDurationS,
		&l.EstimatedVolumeML, &l.PreMoisture, &l.Threshold, &l.PostMoisture, &l.DeltaMoisture,
		&l.PostDelayS, &l.Recommendation, &l.ErrorMsg,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) LastExecutedAt(ctx context.Context, unitID string) (*time.Time, error) {
	query := `
		SELECT ended_at FROM irrigation_execution_logs
		WHERE unit_id = $1 AND ended_at IS NOT NULL AND error IS NULL
		ORDER BY ended_at DESC LIMIT 1
	`
	var t time.Time
	err := s.pool.QueryRow(ctx, query, unitID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListPostCaptureDue(ctx context.Context, now time.Time) ([]*ExecutionLog, error) {
	query := `
		SELECT ` + executionColumns + ` FROM irrigation_execution_logs
		WHERE ended_at IS NOT NULL AND post_moisture IS NULL AND error IS NULL
		  AND ended_at + (post_delay_s || ' seconds')::interval <= $1
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		if err := rows.Scan(
			&l.ID, &l.RequestID, &l.UnitID, &l.SensorID, &l.ActuatorID, &l.Trigger,
			&l.TriggeredAtUTC, &l.StartedAt, &l.EndedAt, &l.PlannedDurationS, &l.ActualDurationS,
			&l.EstimatedVolumeML, &l.PreMoisture, &l.Threshold, &l.PostMoisture, &l.DeltaMoisture,
			&l.PostDelayS, &l.Recommendation, &l.ErrorMsg,
		); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- Eligibility Traces ---

func (s *PostgresStore) AppendTrace(ctx context.Context, trace *EligibilityTrace) error {
	query := `
		INSERT INTO irrigation_eligibility_traces
			(unit_id, plant_id, sensor_id, moisture, threshold, decision, skip_reason, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.pool.Exec(ctx, query,
		trace.UnitID, trace.PlantID, trace.SensorID, trace.Moisture, trace.Threshold,
		trace.Decision, trace.SkipReason, trace.EvaluatedAt,
	)
	return err
}

// --- Feedback ---

func (s *PostgresStore) CreateFeedback(ctx context.Context, fb *IrrigationFeedback) error {
	query := `
		INSERT INTO irrigation_feedback (id, request_id, response, notes, responded_at, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
	`
	_, err := s.pool.Exec(ctx, query, fb.ID, fb.RequestID, fb.Response, fb.Notes, fb.RespondedAt)
	return err
}

func (s *PostgresStore) GetFeedback(ctx context.Context, id string) (*IrrigationFeedback, error) {
	query := `SELECT id, request_id, response, notes, responded_at, created_at FROM irrigation_feedback WHERE id = $1`
	var f IrrigationFeedback
	err := s.pool.QueryRow(ctx, query, id).Scan(&f.ID, &f.RequestID, &f.Response, &f.Notes, &f.RespondedAt, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) UpdateFeedback(ctx context.Context, fb *IrrigationFeedback) error {
	query := `UPDATE irrigation_feedback SET response = $2, notes = $3, responded_at = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, fb.ID, fb.Response, fb.Notes, fb.RespondedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("feedback not found")
	}
	return nil
}

// --- User Preferences ---

func (s *PostgresStore) GetUserPreferences(ctx context.Context, userID, unitID string) (*UserPreferences, error) {
	query := `
		SELECT user_id, unit_id, approve_count, delay_count, cancel_count, preference_score,
		       avg_response_seconds, too_little_count, just_right_count, too_much_count,
		       threshold_belief_json, updated_at
		FROM user_preferences WHERE user_id = $1 AND unit_id = $2
	`
	var p UserPreferences
	err := s.pool.QueryRow(ctx, query, userID, unitID).Scan(
		&p.UserID, &p.UnitID, &p.ApproveCount, &p.DelayCount, &p.CancelCount, &p.PreferenceScore,
		&p.AvgResponseSeconds, &p.TooLittleCount, &p.JustRightCount, &p.TooMuchCount,
		&p.ThresholdBeliefJSON, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertUserPreferences(ctx context.Context, prefs *UserPreferences) error {
	query := `
		INSERT INTO user_preferences
			(user_id, unit_id, approve_count, delay_count, cancel_count, preference_score,
			 avg_response_seconds, too_little_count, just_right_count, too_much_count,
			 threshold_belief_json, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (user_id, unit_id) DO UPDATE SET
			approve_count = EXCLUDED.approve_count,
			delay_count = EXCLUDED.delay_count,
			cancel_count = EXCLUDED.cancel_count,
			preference_score = EXCLUDED.preference_score,
			avg_response_seconds = EXCLUDED.avg_response_seconds,
			too_little_count = EXCLUDED.too_little_count,
			just_right_count = EXCLUDED.just_right_count,
			too_much_count = EXCLUDED.too_much_count,
			threshold_belief_json = EXCLUDED.threshold_belief_json,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		prefs.UserID, prefs.UnitID, prefs.ApproveCount, prefs.DelayCount, prefs.CancelCount,
		prefs.PreferenceScore, prefs.AvgResponseSeconds, prefs.TooLittleCount, prefs.JustRightCount,
		prefs.TooMuchCount, prefs.ThresholdBeliefJSON,
	)
	return err
}

// --- Plant Models ---

func (s *PostgresStore) GetPlantModel(ctx context.Context, plantID string) (*PlantIrrigationModel, error) {
	query := `
		SELECT plant_id, unit_id, drydown_rate_per_hour, sample_count, confidence, updated_at
		FROM plant_irrigation_models WHERE plant_id = $1
	`
	var m PlantIrrigationModel
	err := s.pool.QueryRow(ctx, query, plantID).Scan(
		&m.PlantID, &m.UnitID, &m.DrydownRatePerHour, &m.SampleCount, &m.Confidence, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) UpsertPlantModel(ctx context.Context, model *PlantIrrigationModel) error {
	query := `
		INSERT INTO plant_irrigation_models (plant_id, unit_id, drydown_rate_per_hour, sample_count, confidence, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (plant_id) DO UPDATE SET
			drydown_rate_per_hour = EXCLUDED.drydown_rate_per_hour,
			sample_count = EXCLUDED.sample_count,
			confidence = EXCLUDED.confidence,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		model.PlantID, model.UnitID, model.DrydownRatePerHour, model.SampleCount, model.Confidence,
	)
	return err
}

// --- Analytics Samples ---

func (s *PostgresStore) InsertSensorSample(ctx context.Context, sample *SensorSample) error {
	query := `
		INSERT INTO sensor_readings (unit_id, sensor_id, metric, value, text_value, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := s.pool.Exec(ctx, query,
		sample.UnitID, sample.SensorID, sample.Metric, sample.Value, sample.Text, sample.RecordedAt,
	)
	return err
}

func (s *PostgresStore) InsertPlantSample(ctx context.Context, sample *PlantSample) error {
	query := `
		INSERT INTO plant_readings (unit_id, sensor_id, plant_id, metric, value, text_value, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := s.pool.Exec(ctx, query,
		sample.UnitID, sample.SensorID, sample.PlantID, sample.Metric, sample.Value, sample.Text, sample.RecordedAt,
	)
	return err
}

func qualifiedRequestColumns(alias string) string {
	return alias + `.id, ` + alias + `.unit_id, ` + alias + `.plant_id, ` + alias + `.actuator_id, ` +
		alias + `.sensor_id, ` + alias + `.user_id, ` + alias + `.status, ` +
		alias + `.soil_moisture_detected, ` + alias + `.threshold, ` + alias + `.detected_at, ` +
		alias + `.scheduled_at, ` + alias + `.expires_at, ` + alias + `.delayed_until, ` +
		alias + `.user_response, ` + alias + `.responded_at, ` + alias + `.notification_id, ` +
		alias + `.feedback_id, ` + alias + `.hours_since_last, ` + alias + `.snap_temp_c, ` +
		alias + `.snap_humidity, ` + alias + `.snap_vpd, ` + alias + `.snap_lux, ` +
		alias + `.plant_type, ` + alias + `.growth_stage, ` + alias + `.variety, ` +
		alias + `.pot_size_l, ` + alias + `.created_at, ` + alias + `.updated_at`
}
