package transfer

import (
	"errors"
	"testing"
	"time"
)

func TestProgressTracker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pt := NewProgressTracker()
	pt.now = func() time.Time { return now }

	d := Descriptor{ID: "t1", Name: "a.bin", ByteSize: 1000}
	pt.StartTracking(d, Outbound)

	p, ok := pt.GetProgress("t1")
	if !ok || p.Status != StatusPending || p.Direction != Outbound {
		t.Fatalf("initial progress = %+v", p)
	}

	now = now.Add(2 * time.Second)
	pt.UpdateProgress("t1", 0.5)
	p, _ = pt.GetProgress("t1")
	if p.Status != StatusActive || p.Bytes != 500 {
		t.Fatalf("progress = %+v", p)
	}
	if p.Speed != 250 {
		t.Fatalf("speed = %v, want 250", p.Speed)
	}
	if p.EstimatedTime != 2*time.Second {
		t.Fatalf("eta = %v, want 2s", p.EstimatedTime)
	}

	pt.SetStatus("t1", StatusCompleted, nil)
	pt.UpdateProgress("t1", 0.1)
	p, _ = pt.GetProgress("t1")
	if p.Status != StatusCompleted || p.Ratio != 1 || p.Bytes != 1000 {
		t.Fatalf("terminal progress changed: %+v", p)
	}

	pt.StartTracking(Descriptor{ID: "t2", ByteSize: 10}, Inbound)
	failure := errors.New("boom")
	pt.SetStatus("t2", StatusFailed, failure)
	all := pt.GetAllProgress()
	if len(all) != 2 || all[0].TransferID != "t1" || all[1].Err != failure {
		t.Fatalf("all progress = %+v", all)
	}

	pt.RemoveTransfer("t1")
	if _, ok := pt.GetProgress("t1"); ok {
		t.Fatalf("removed transfer still tracked")
	}
}
