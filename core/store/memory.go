package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store and UnitLocker in process memory. It backs
// tests and single-node bring-up where Postgres and Redis are not wired.
type MemoryStore struct {
	mu sync.Mutex

	requests    map[string]*IrrigationRequest
	executions  map[string]*ExecutionLog
	traces      []*EligibilityTrace
	feedback    map[string]*IrrigationFeedback
	preferences map[string]*UserPreferences // key user|unit
	plantModels map[string]*PlantIrrigationModel
	sensorRows  []*SensorSample
	plantRows   []*PlantSample

	locks map[string]memLock
	now   func() time.Time
}

type memLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*IrrigationRequest),
		executions:  make(map[string]*ExecutionLog),
		feedback:    make(map[string]*IrrigationFeedback),
		preferences: make(map[string]*UserPreferences),
		plantModels: make(map[string]*PlantIrrigationModel),
		locks:       make(map[string]memLock),
		now:         time.Now,
	}
}

// SetClock overrides the lock-expiry clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Irrigation Requests ---

func (s *MemoryStore) CreateRequest(ctx context.Context, req *IrrigationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return errors.New("request already exists")
	}
	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, req *IrrigationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[req.ID]
	if !ok {
		return errors.New("request not found")
	}
	cp := *req
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = s.now()
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveRequestExists(ctx context.Context, unitID string, plantID *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.UnitID != unitID || r.Status.Terminal() {
			continue
		}
		if plantID != nil {
			if r.PlantID == nil || *r.PlantID != *plantID {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*IrrigationRequest
	for _, r := range s.requests {
		switch r.Status {
		case StatusApproved:
			if !r.ScheduledAt.After(now) {
				due = append(due, r)
			}
		case StatusDelayed:
			if r.DelayedUntil != nil && !r.DelayedUntil.After(now) {
				due = append(due, r)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var claimed []*IrrigationRequest
	for _, r := range due {
		prev := r.Status
		r.Status = StatusExecuting
		r.UpdatedAt = s.now()
		cp := *r
		cp.ClaimedFrom = prev
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, id string, prev RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.Status != StatusExecuting {
		return errors.New("claim release lost: request no longer EXECUTING")
	}
	r.Status = prev
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListRequestsByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*IrrigationRequest
	for _, r := range s.requests {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ExpireRequests(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, r := range s.requests {
		switch r.Status {
		case StatusPending, StatusDelayed, StatusApproved:
			if !r.ExpiresAt.After(now) {
				r.Status = StatusExpired
				r.UpdatedAt = s.now()
				ids = append(ids, r.ID)
			}
		}
	}
	return ids, nil
}

// --- Execution Logs ---

func (s *MemoryStore) CreateExecutionLog(ctx context.Context, logRow *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[logRow.ID]; ok {
		return errors.New("execution log already exists")
	}
	cp := *logRow
	s.executions[logRow.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateExecutionLog(ctx context.Context, logRow *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[logRow.ID]; !ok {
		return errors.New("execution log not found")
	}
	cp := *logRow
	s.executions[logRow.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutionLogByRequest(ctx context.Context, requestID string) (*ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *ExecutionLog
	for _, l := range s.executions {
		if l.RequestID == nil || *l.RequestID != requestID {
			continue
		}
		if latest == nil || l.TriggeredAtUTC.After(latest.TriggeredAtUTC) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) LastExecutedAt(ctx context.Context, unitID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, l := range s.executions {
		if l.UnitID != unitID || l.EndedAt == nil || l.ErrorMsg != nil {
			continue
		}
		if last == nil || l.EndedAt.After(*last) {
			t := *l.EndedAt
			last = &t
		}
	}
	return last, nil
}

func (s *MemoryStore) ListPostCaptureDue(ctx context.Context, now time.Time) ([]*ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExecutionLog
	for _, l := range s.executions {
		if l.EndedAt == nil || l.PostMoisture != nil || l.ErrorMsg != nil {
			continue
		}
		if !l.EndedAt.Add(time.Duration(l.PostDelayS) * time.Second).After(now) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Eligibility Traces ---

func (s *MemoryStore) AppendTrace(ctx context.Context, trace *EligibilityTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trace
	s.traces = append(s.traces, &cp)
	return nil
}

// Traces returns a copy of all recorded traces. Tests only.
func (s *MemoryStore) Traces() []*EligibilityTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*EligibilityTrace, len(s.traces))
	for i, t := range s.traces {
		cp := *t
		out[i] = &cp
	}
	return out
}

// --- Feedback ---

func (s *MemoryStore) CreateFeedback(ctx context.Context, fb *IrrigationFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feedback[fb.ID]; ok {
		return errors.New("feedback already exists")
	}
	cp := *fb
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.feedback[fb.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFeedback(ctx context.Context, id string) (*IrrigationFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feedback[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) UpdateFeedback(ctx context.Context, fb *IrrigationFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feedback[fb.ID]; !ok {
		return errors.New("feedback not found")
	}
	cp := *fb
	s.feedback[fb.ID] = &cp
	return nil
}

// --- User Preferences ---

func (s *MemoryStore) GetUserPreferences(ctx context.Context, userID, unitID string) (*UserPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[userID+"|"+unitID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertUserPreferences(ctx context.Context, prefs *UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	cp.UpdatedAt = s.now()
	s.preferences[prefs.UserID+"|"+prefs.UnitID] = &cp
	return nil
}

// --- Plant Models ---

func (s *MemoryStore) GetPlantModel(ctx context.Context, plantID string) (*PlantIrrigationModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.plantModels[plantID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpsertPlantModel(ctx context.Context, model *PlantIrrigationModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *model
	cp.UpdatedAt = s.now()
	s.plantModels[model.PlantID] = &cp
	return nil
}

// --- Analytics Samples ---

func (s *MemoryStore) InsertSensorSample(ctx context.Context, sample *SensorSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.sensorRows = append(s.sensorRows, &cp)
	return nil
}

func (s *MemoryStore) InsertPlantSample(ctx context.Context, sample *PlantSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.plantRows = append(s.plantRows, &cp)
	return nil
}

// SensorSampleCount returns the number of stored environment samples. Tests only.
func (s *MemoryStore) SensorSampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sensorRows)
}

// PlantSampleCount returns the number of stored plant samples. Tests only.
func (s *MemoryStore) PlantSampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plantRows)
}

// --- Unit Locks ---

func (s *MemoryStore) AcquireUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[unitID]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	s.locks[unitID] = memLock{owner: ownerID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.locks[unitID]
	if !ok || l.owner != ownerID || !l.expiresAt.After(now) {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	s.locks[unitID] = l
	return true, nil
}

func (s *MemoryStore) ReleaseUnitLock(ctx context.Context, unitID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[unitID]; ok && l.owner == ownerID {
		delete(s.locks, unitID)
	}
	return nil
}

func (s *MemoryStore) UnitLockOwner(ctx context.Context, unitID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[unitID]
	if !ok || !l.expiresAt.After(s.now()) {
		return "", nil
	}
	return l.owner, nil
}
