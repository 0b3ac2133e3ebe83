package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherInlineWhenNoWorkers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	defer d.Stop()

	ran := false
	if err := d.Submit(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ran {
		t.Fatalf("inline job did not run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Submit(ctx, func() { t.Fatalf("job should not run") }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDispatcherRunsJobsConcurrently(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 10})
	defer d.Stop()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Submit(context.Background(), func() {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				active.Add(-1)
			})
			if err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	waitFor(t, func() bool { return active.Load() == 3 }, "three active jobs")
	close(release)
	wg.Wait()

	if peak.Load() != 3 {
		t.Fatalf("expected 3 concurrent jobs, got %d", peak.Load())
	}
	if running, _ := d.pool.size(); running > 3 {
		t.Fatalf("pool grew past max: %d", running)
	}
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = d.Submit(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	// one job waits in the dispatcher for the busy worker, one in the queue
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Submit(context.Background(), func() {}); err != nil {
				t.Errorf("queued submit: %v", err)
			}
		}()
	}
	waitFor(t, func() bool { return d.Pending() == 2 && len(d.jobQueue) == 1 }, "full queue")

	if err := d.Submit(context.Background(), func() {}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}

	close(release)
	wg.Wait()
	if d.Pending() != 0 {
		t.Fatalf("pending not drained: %d", d.Pending())
	}
}

func TestDispatcherAbandonsQueuedJobOnCancel(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Submit(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := d.Submit(ctx, func() { ran.Store(true) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	<-done
	// the abandoned job reaches the worker after the first finishes and is skipped
	if err := d.Submit(context.Background(), func() {}); err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled job should not run")
	}
	if d.Pending() != 0 {
		t.Fatalf("pending not drained: %d", d.Pending())
	}
}

func TestDispatcherRecoversJobPanic(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	if err := d.Submit(context.Background(), func() { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ran := false
	if err := d.Submit(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if !ran {
		t.Fatalf("worker did not survive panic")
	}
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 1})
	waitFor(t, func() bool { _, idle := d.pool.size(); return idle == 2 }, "warm workers")

	d.Stop()
	d.Stop()
	waitFor(t, func() bool { running, _ := d.pool.size(); return running == 0 }, "workers retired")

	if err := d.Submit(context.Background(), func() {}); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestPoolRetiresExpiredIdleWorkers(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour)
	defer p.close()

	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}
	waitFor(t, func() bool { _, idle := p.size(); return idle == 3 }, "idle workers")

	p.mu.Lock()
	for _, meta := range p.idle {
		meta.lastUsed = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()

	p.shutdownExpired()
	waitFor(t, func() bool { running, _ := p.size(); return running == 1 }, "retire to min")
	if _, idle := p.size(); idle != 1 {
		t.Fatalf("expected one idle worker left, got %d", idle)
	}
}
