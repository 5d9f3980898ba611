package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pharmatrace/pkg/nonce"
)

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpired(time.Time) int {
	p.calls.Add(1)
	return 0
}

func TestSweeperRunsEveryPurger(t *testing.T) {
	a, b := &countingPurger{}, &countingPurger{}
	sw, err := StartSweeper(10*time.Millisecond, map[string]Purger{"a": a, "b": b, "skipped": nil}, nil)
	if err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.calls.Load() == 0 || b.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("purgers not run: a=%d b=%d", a.calls.Load(), b.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sw.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type recordingPurger struct {
	Purger
	removed atomic.Int32
}

func (p *recordingPurger) PurgeExpired(now time.Time) int {
	n := p.Purger.PurgeExpired(now)
	p.removed.Add(int32(n))
	return n
}

func TestSweeperPurgesExpiredNonces(t *testing.T) {
	store := nonce.NewMemoryStore(time.Millisecond)
	if _, err := store.Issue(context.Background(), "0xAbC0000000000000000000000000000000000001"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	purger := &recordingPurger{Purger: store}
	sw, err := StartSweeper(10*time.Millisecond, map[string]Purger{"nonces": purger}, nil)
	if err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for purger.removed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired nonce was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweeperRejectsBadInterval(t *testing.T) {
	if _, err := StartSweeper(0, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	var sw *Sweeper
	if err := sw.Stop(); err != nil {
		t.Fatalf("nil sweeper stop: %v", err)
	}
}
