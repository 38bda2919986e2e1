package climate

import (
	"testing"
	"time"
)

func TestPIDProportionalOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPID(2, 0, 0, 24, 100)

	if out := p.Compute(20, now); out != 8 {
		t.Fatalf("output = %v, want 8", out)
	}
	if out := p.Compute(26, now.Add(time.Second)); out != -4 {
		t.Fatalf("output = %v, want -4", out)
	}
}

func TestPIDFirstComputeUsesOneSecondDt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPID(0, 0, 1, 10, 100)

	// No history: dt falls back to 1s, so derivative = err/1.
	if out := p.Compute(0, now); out != 10 {
		t.Fatalf("derivative output = %v, want 10", out)
	}
}

func TestPIDAntiWindup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPID(0, 1, 0, 100, 100)

	// A persistent 100-unit error over long intervals would integrate far past
	// the output range without the clamp.
	var out float64
	for i := 0; i < 20; i++ {
		out = p.Compute(0, now.Add(time.Duration(i)*10*time.Second))
		if out > 100 {
			t.Fatalf("integral wound up past range: output = %v at step %d", out, i)
		}
	}
	if out != 100 {
		t.Fatalf("saturated output = %v, want 100", out)
	}

	// Recovery is immediate once the clamp releases the integral.
	out = p.Compute(200, now.Add(300*time.Second))
	if out >= 100 {
		t.Fatalf("output did not respond after saturation: %v", out)
	}
}

func TestPIDSetSetpointResetsState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPID(0, 0.5, 0, 10, 100)

	p.Compute(0, now)
	p.Compute(0, now.Add(10*time.Second))

	p.SetSetpoint(20)
	// Fresh state: dt falls back to 1s, integral starts from zero.
	if out := p.Compute(0, now.Add(20*time.Second)); out != 10 {
		t.Fatalf("output after setpoint change = %v, want 10", out)
	}

	// Unchanged setpoint keeps accumulated state.
	p.SetSetpoint(20)
	if out := p.Compute(0, now.Add(21*time.Second)); out == 10 {
		t.Fatalf("unchanged setpoint reset the loop")
	}
}
