package store

import (
	"context"
	"time"
)

// Store is the persistence contract for the control core. It abstracts over
// Postgres (durable) and an in-memory backend (tests, single-node bring-up).
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Irrigation requests.
	CreateRequest(ctx context.Context, req *IrrigationRequest) error
	GetRequest(ctx context.Context, id string) (*IrrigationRequest, error)
	UpdateRequest(ctx context.Context, req *IrrigationRequest) error
	// ActiveRequestExists reports whether a non-terminal request exists for
	// the scope. plantID narrows the scope when a plant-assigned actuator
	// exists; nil checks the whole unit.
	ActiveRequestExists(ctx context.Context, unitID string, plantID *string) (bool, error)
	// ClaimDueRequests atomically flips up to limit due APPROVED/DELAYED
	// requests to EXECUTING and returns them with ClaimedFrom populated.
	// A request is due when scheduled_at (APPROVED) or delayed_until
	// (DELAYED) is at or before now.
	ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error)
	// ReleaseClaim returns a claimed request to its pre-claim status.
	ReleaseClaim(ctx context.Context, id string, prev RequestStatus) error
	ListRequestsByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error)
	// ExpireRequests marks PENDING/DELAYED/APPROVED requests whose
	// expires_at has passed and returns the expired ids.
	ExpireRequests(ctx context.Context, now time.Time) ([]string, error)

	// Execution logs.
	CreateExecutionLog(ctx context.Context, logRow *ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, logRow *ExecutionLog) error
	GetExecutionLogByRequest(ctx context.Context, requestID string) (*ExecutionLog, error)
	// LastExecutedAt returns the end time of the unit's most recent
	// completed execution, or nil when it never irrigated.
	LastExecutedAt(ctx context.Context, unitID string) (*time.Time, error)
	// ListPostCaptureDue returns completed executions whose post-moisture is
	// still unset and whose post-capture delay elapsed at or before now.
	ListPostCaptureDue(ctx context.Context, now time.Time) ([]*ExecutionLog, error)

	// Eligibility traces (append-only).
	AppendTrace(ctx context.Context, trace *EligibilityTrace) error

	// Feedback rows.
	CreateFeedback(ctx context.Context, fb *IrrigationFeedback) error
	GetFeedback(ctx context.Context, id string) (*IrrigationFeedback, error)
	UpdateFeedback(ctx context.Context, fb *IrrigationFeedback) error

	// User preferences.
	GetUserPreferences(ctx context.Context, userID, unitID string) (*UserPreferences, error)
	UpsertUserPreferences(ctx context.Context, prefs *UserPreferences) error

	// Per-plant drydown models.
	GetPlantModel(ctx context.Context, plantID string) (*PlantIrrigationModel, error)
	UpsertPlantModel(ctx context.Context, model *PlantIrrigationModel) error

	// Throttled analytics samples.
	InsertSensorSample(ctx context.Context, sample *SensorSample) error
	InsertPlantSample(ctx context.Context, sample *PlantSample) error
}

// UnitLocker serializes irrigation per unit: exactly one in-flight execution.
// Locks carry a TTL so a crashed executor cannot wedge a unit.
type UnitLocker interface {
	// AcquireUnitLock returns false without error when the lock is held by
	// another owner. Re-entry by the same owner is also a failed acquire.
	AcquireUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error)
	// RenewUnitLock extends the TTL iff ownerID still holds the lock.
	RenewUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error)
	// ReleaseUnitLock releases only when ownerID holds the lock; releasing a
	// lock owned by someone else is a no-op.
	ReleaseUnitLock(ctx context.Context, unitID, ownerID string) error
	// UnitLockOwner returns the current owner, or "" when unlocked.
	UnitLockOwner(ctx context.Context, unitID string) (string, error)
}
