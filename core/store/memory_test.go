package store

import (
	"context"
	"testing"
	"time"
)

func testClock(start time.Time) (func() time.Time, *time.Time) {
	now := start
	return func() time.Time { return now }, &now
}

func seedRequest(t *testing.T, s *MemoryStore, id string, status RequestStatus, mutate func(*IrrigationRequest)) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	req := &IrrigationRequest{
		ID:          id,
		UnitID:      "u1",
		SensorID:    "s1",
		Status:      status,
		DetectedAt:  now,
		ScheduledAt: now.Add(time.Hour),
		ExpiresAt:   now.Add(12 * time.Hour),
	}
	if mutate != nil {
		mutate(req)
	}
	if err := s.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestClaimDueRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedRequest(t, s, "due-approved", StatusApproved, func(r *IrrigationRequest) {
		r.ScheduledAt = now.Add(-time.Minute)
	})
	later := now.Add(30 * time.Minute)
	seedRequest(t, s, "due-delayed", StatusDelayed, func(r *IrrigationRequest) {
		until := now.Add(-time.Second)
		r.DelayedUntil = &until
	})
	seedRequest(t, s, "not-due", StatusApproved, func(r *IrrigationRequest) {
		r.ScheduledAt = later
	})
	seedRequest(t, s, "pending", StatusPending, nil)

	claimed, err := s.ClaimDueRequests(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	for _, req := range claimed {
		if req.Status != StatusExecuting {
			t.Fatalf("claimed request %s in status %s", req.ID, req.Status)
		}
	}

	// ClaimedFrom carries the pre-claim status for requeueing.
	byID := map[string]RequestStatus{}
	for _, req := range claimed {
		byID[req.ID] = req.ClaimedFrom
	}
	if byID["due-approved"] != StatusApproved || byID["due-delayed"] != StatusDelayed {
		t.Fatalf("claimed-from %v", byID)
	}

	// A second claim pass finds nothing: the claim is exclusive.
	again, _ := s.ClaimDueRequests(ctx, now, 10)
	if len(again) != 0 {
		t.Fatalf("double claim: %v", again)
	}
}

func TestReleaseClaimRestoresStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedRequest(t, s, "r1", StatusApproved, func(r *IrrigationRequest) {
		r.ScheduledAt = now.Add(-time.Minute)
	})
	claimed, _ := s.ClaimDueRequests(ctx, now, 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d", len(claimed))
	}

	if err := s.ReleaseClaim(ctx, "r1", claimed[0].ClaimedFrom); err != nil {
		t.Fatalf("release: %v", err)
	}
	req, _ := s.GetRequest(ctx, "r1")
	if req.Status != StatusApproved {
		t.Fatalf("status after release %s", req.Status)
	}

	// Releasing a request that is not EXECUTING is an error.
	if err := s.ReleaseClaim(ctx, "r1", StatusApproved); err == nil {
		t.Fatalf("release of unclaimed request accepted")
	}
}

func TestActiveRequestExistsScoping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	plantA := "plant-a"

	seedRequest(t, s, "r1", StatusPending, func(r *IrrigationRequest) {
		r.PlantID = &plantA
	})

	// Unit-wide query sees the plant-scoped request.
	if ok, _ := s.ActiveRequestExists(ctx, "u1", nil); !ok {
		t.Fatalf("unit-wide query missed active request")
	}
	if ok, _ := s.ActiveRequestExists(ctx, "u1", &plantA); !ok {
		t.Fatalf("plant query missed its own request")
	}
	plantB := "plant-b"
	if ok, _ := s.ActiveRequestExists(ctx, "u1", &plantB); ok {
		t.Fatalf("plant query matched another plant's request")
	}
	if ok, _ := s.ActiveRequestExists(ctx, "u2", nil); ok {
		t.Fatalf("query leaked across units")
	}

	// Terminal requests are not active.
	req, _ := s.GetRequest(ctx, "r1")
	req.Status = StatusCancelled
	if err := s.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := s.ActiveRequestExists(ctx, "u1", nil); ok {
		t.Fatalf("terminal request counted as active")
	}
}

func TestExpireRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seedRequest(t, s, "old-pending", StatusPending, nil)
	seedRequest(t, s, "old-executing", StatusExecuting, nil)
	seedRequest(t, s, "fresh", StatusPending, func(r *IrrigationRequest) {
		r.ExpiresAt = base.Add(48 * time.Hour)
	})

	ids, err := s.ExpireRequests(ctx, base.Add(13*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old-pending" {
		t.Fatalf("expired %v", ids)
	}
	// EXECUTING requests never expire; the completion path owns them.
	req, _ := s.GetRequest(ctx, "old-executing")
	if req.Status != StatusExecuting {
		t.Fatalf("executing request expired")
	}
}

func TestUnitLockOwnershipAndTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	nowFn, now := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s.SetClock(nowFn)

	ok, err := s.AcquireUnitLock(ctx, "u1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if ok, _ := s.AcquireUnitLock(ctx, "u1", "owner-b", time.Minute); ok {
		t.Fatalf("second owner acquired a held lock")
	}
	if owner, _ := s.UnitLockOwner(ctx, "u1"); owner != "owner-a" {
		t.Fatalf("owner %q", owner)
	}

	// Renewal extends only for the holder.
	if ok, _ := s.RenewUnitLock(ctx, "u1", "owner-b", time.Minute); ok {
		t.Fatalf("non-owner renewed")
	}
	if ok, _ := s.RenewUnitLock(ctx, "u1", "owner-a", 2*time.Minute); !ok {
		t.Fatalf("owner renewal failed")
	}

	// Release by a non-owner is a no-op.
	if err := s.ReleaseUnitLock(ctx, "u1", "owner-b"); err != nil {
		t.Fatalf("non-owner release errored: %v", err)
	}
	if owner, _ := s.UnitLockOwner(ctx, "u1"); owner != "owner-a" {
		t.Fatalf("non-owner release took the lock: %q", owner)
	}

	// The lock expires on its own.
	*now = now.Add(3 * time.Minute)
	if owner, _ := s.UnitLockOwner(ctx, "u1"); owner != "" {
		t.Fatalf("expired lock still owned by %q", owner)
	}
	if ok, _ := s.AcquireUnitLock(ctx, "u1", "owner-b", time.Minute); !ok {
		t.Fatalf("acquire after expiry failed")
	}
}

func TestListRequestsByStatusZeroLimitReturnsAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		offset := time.Duration(i) * time.Minute
		seedRequest(t, s, id, StatusExecuting, func(r *IrrigationRequest) {
			r.DetectedAt = base.Add(offset)
		})
	}
	seedRequest(t, s, "other", StatusPending, nil)

	// limit <= 0 means unlimited; callers sweeping a whole status depend
	// on this.
	all, err := s.ListRequestsByStatus(ctx, StatusExecuting, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d with limit 0, want 3", len(all))
	}

	capped, err := s.ListRequestsByStatus(ctx, StatusExecuting, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(capped) != 2 {
		t.Fatalf("listed %d with limit 2, want 2", len(capped))
	}
	if capped[0].ID != "r1" || capped[1].ID != "r2" {
		t.Fatalf("order %s,%s, want oldest detection first", capped[0].ID, capped[1].ID)
	}
}

func TestUpdateRequestPersistsResolvedActuator(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedRequest(t, s, "r1", StatusExecuting, nil)
	req, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pump := "pump-1"
	req.ActuatorID = &pump
	if err := s.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActuatorID == nil || *got.ActuatorID != "pump-1" {
		t.Fatalf("actuator not persisted: %v", got.ActuatorID)
	}
}

func TestLastExecutedAtIgnoresFailedRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	okEnd := base.Add(time.Hour)
	failEnd := base.Add(2 * time.Hour)
	errMsg := "pump jammed"
	reqA, reqB := "a", "b"
	if err := s.CreateExecutionLog(ctx, &ExecutionLog{
		ID: "l1", RequestID: &reqA, UnitID: "u1", ActuatorID: "pump-1",
		TriggeredAtUTC: base, EndedAt: &okEnd,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.CreateExecutionLog(ctx, &ExecutionLog{
		ID: "l2", RequestID: &reqB, UnitID: "u1", ActuatorID: "pump-1",
		TriggeredAtUTC: base.Add(time.Hour), EndedAt: &failEnd, ErrorMsg: &errMsg,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	last, err := s.LastExecutedAt(ctx, "u1")
	if err != nil || last == nil {
		t.Fatalf("LastExecutedAt: %v %v", last, err)
	}
	if !last.Equal(okEnd) {
		t.Fatalf("last = %v, want %v (failed run ignored)", last, okEnd)
	}
}

func TestRequestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to RequestStatus
	}{
		{StatusPending, StatusApproved},
		{StatusPending, StatusDelayed},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusExpired},
		{StatusDelayed, StatusExecuting},
		{StatusApproved, StatusExecuting},
		{StatusApproved, StatusExpired},
		{StatusExecuting, StatusExecuted},
		{StatusExecuting, StatusFailed},
		{StatusExecuting, StatusApproved},
		{StatusExecuting, StatusDelayed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to RequestStatus
	}{
		{StatusExecuted, StatusApproved},
		{StatusCancelled, StatusApproved},
		{StatusExpired, StatusExecuting},
		{StatusFailed, StatusExecuting},
		{StatusPending, StatusExecuting},
		{StatusApproved, StatusCancelled},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}

	for _, s := range []RequestStatus{StatusExecuted, StatusCancelled, StatusExpired, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RequestStatus{StatusPending, StatusApproved, StatusDelayed, StatusExecuting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
