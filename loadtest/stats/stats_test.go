package stats

import (
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	d := summarize(samples)
	if d.n != 100 {
		t.Errorf("expected n=100, got %d", d.n)
	}
	if d.p50 != 51*time.Millisecond {
		t.Errorf("expected p50 51ms, got %v", d.p50)
	}
	if d.p95 != 95*time.Millisecond || d.p99 != 99*time.Millisecond {
		t.Errorf("unexpected tail: p95=%v p99=%v", d.p95, d.p99)
	}
	if d.max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %v", d.max)
	}
	if d.avg != 50500*time.Microsecond {
		t.Errorf("expected avg 50.5ms, got %v", d.avg)
	}
}

func TestCollector_ErrorsByStage(t *testing.T) {
	c := NewCollector()
	c.AddError(StageDial)
	c.AddError(StageDial)
	c.AddError(StageSend)
	c.AddConnect(time.Millisecond, 2*time.Millisecond)

	if n := c.ErrorCount(); n != 3 {
		t.Errorf("expected 3 errors, got %d", n)
	}
	if n := c.ConnectionCount(); n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestCloseReason(t *testing.T) {
	if closeReason(1008) != "policy violation (auth)" {
		t.Error("1008 should map to the auth rejection")
	}
	if closeReason(4000) != "superseded by newer connection" {
		t.Error("4000 should map to displacement")
	}
	if closeReason(4999) != "other" {
		t.Error("unknown codes should map to other")
	}
}
