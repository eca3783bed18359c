// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"testing"
	"time"

	"hearth.build/pkg/internal/testcontext"
)

func TestJobsetShareUsed(t *testing.T) {
	js := newJobset(4)
	if got := js.ShareUsed(); got != 0 {
		t.Errorf("ShareUsed() = %g; want 0", got)
	}
	base := time.Unix(1700000000, 0)
	js.AddStep(base, 40*time.Second)
	js.AddStep(base.Add(time.Minute), 20*time.Second)
	if got, want := js.ShareUsed(), 15.0; got != want {
		t.Errorf("ShareUsed() = %g; want %g", got, want)
	}

	// Re-recording a step replaces its previous duration.
	js.AddStep(base, 20*time.Second)
	if got, want := js.ShareUsed(), 10.0; got != want {
		t.Errorf("ShareUsed() = %g after replace; want %g", got, want)
	}
}

func TestJobsetPruneSteps(t *testing.T) {
	js := newJobset(1)
	base := time.Unix(1700000000, 0)
	js.AddStep(base, 30*time.Second)
	js.AddStep(base.Add(SchedulingWindow), 60*time.Second)

	js.PruneSteps(base.Add(SchedulingWindow + time.Hour))
	if got, want := js.ShareUsed(), 60.0; got != want {
		t.Errorf("ShareUsed() = %g after prune; want %g", got, want)
	}
}

func TestJobsetSharesClamped(t *testing.T) {
	js := newJobset(10)
	js.SetShares(0)
	if got := js.Shares(); got != 1 {
		t.Errorf("Shares() = %d; want 1", got)
	}
}

func TestCreateJobsetCachesAndLoadsHistory(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	start := env.clock.Now().Add(-time.Hour)
	env.db.mu.Lock()
	env.db.history[jobsetKey{"tests", "trunk"}] = []StepTiming{
		{StartTime: start, StopTime: start.Add(50 * time.Second)},
	}
	env.db.mu.Unlock()

	js, err := env.state.createJobset(ctx, "tests", "trunk")
	if err != nil {
		t.Fatal(err)
	}
	if got := js.Shares(); got != 100 {
		t.Errorf("Shares() = %d; want 100", got)
	}
	if got, want := js.ShareUsed(), 0.5; got != want {
		t.Errorf("ShareUsed() = %g; want %g", got, want)
	}

	again, err := env.state.createJobset(ctx, "tests", "trunk")
	if err != nil {
		t.Fatal(err)
	}
	if again != js {
		t.Error("createJobset did not cache the jobset")
	}
}

func TestCreateJobsetZeroSharesClamped(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)
	env.db.mu.Lock()
	env.db.jobsets[jobsetKey{"tests", "idle"}] = 0
	env.db.mu.Unlock()

	js, err := env.state.createJobset(ctx, "tests", "idle")
	if err != nil {
		t.Fatal(err)
	}
	if got := js.Shares(); got != 1 {
		t.Errorf("Shares() = %d; want 1", got)
	}
}

func TestCreateJobsetMissing(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	if _, err := env.state.createJobset(ctx, "ghost", "none"); err == nil {
		t.Error("createJobset for an absent row did not return an error")
	}
}
