// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"hearth.build/pkg/internal/testcontext"
)

var cmpSortBuildIDs = cmpopts.SortSlices(func(a, b BuildID) bool { return a < b })

func TestQueueChangeDropsCancelledBuilds(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	for i, name := range []string{"a", "b", "c"} {
		drvPath := env.store.addDerivation(name)
		env.db.addBuild(BuildID(i+1), drvPath, 1)
	}
	lastBuildID := BuildID(0)
	env.getQueuedBuilds(ctx, t, &lastBuildID)
	if got := env.state.NumBuilds(); got != 3 {
		t.Fatalf("NumBuilds() = %d; want 3", got)
	}

	// Build 2's database row is gone.
	env.db.removeBuild(2)
	abortedBefore := len(env.db.aborted)
	if err := env.state.processQueueChange(ctx); err != nil {
		t.Fatal(err)
	}

	if env.build(2) != nil {
		t.Error("cancelled build 2 still tracked")
	}
	if env.build(1) == nil || env.build(3) == nil {
		t.Error("builds 1 and 3 no longer tracked")
	}
	// The reconciler itself never writes to the database.
	if len(env.db.aborted) != abortedBefore || len(env.db.failed) != 0 || len(env.db.succeeded) != 0 {
		t.Error("processQueueChange performed database writes")
	}
}

func TestQueueChangeRaisesPriority(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	bDrv := env.store.addDerivation("b")
	aDrv := env.store.addDerivation("a", "b")
	env.db.addBuild(4, aDrv, 2)
	lastBuildID := BuildID(0)
	env.getQueuedBuilds(ctx, t, &lastBuildID)

	env.db.setGlobalPriority(4, 7)
	if err := env.state.processQueueChange(ctx); err != nil {
		t.Fatal(err)
	}

	build := env.build(4)
	if build.GlobalPriority != 7 {
		t.Errorf("build 4 globalPriority = %d; want 7", build.GlobalPriority)
	}
	for _, step := range []*Step{env.step(aDrv), env.step(bDrv)} {
		highestGlobal, _, _ := step.Priorities()
		if highestGlobal < 7 {
			t.Errorf("step %s highestGlobalPriority = %d; want >= 7", step.DrvPath(), highestGlobal)
		}
	}
}

func TestQueueChangeIgnoresLoweredPriority(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	aDrv := env.store.addDerivation("a")
	env.db.addBuild(5, aDrv, 6)
	lastBuildID := BuildID(0)
	env.getQueuedBuilds(ctx, t, &lastBuildID)

	env.db.setGlobalPriority(5, 1)
	if err := env.state.processQueueChange(ctx); err != nil {
		t.Fatal(err)
	}

	// Priorities are monotonic.
	if got := env.build(5).GlobalPriority; got != 6 {
		t.Errorf("build 5 globalPriority = %d; want 6", got)
	}
	highestGlobal, _, _ := env.step(aDrv).Priorities()
	if highestGlobal != 6 {
		t.Errorf("a.highestGlobalPriority = %d; want 6", highestGlobal)
	}
}

func TestQueueChangeMatchesDatabase(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env := newTestEnv(t, nil)

	for i, name := range []string{"a", "b", "c", "d"} {
		drvPath := env.store.addDerivation(name)
		env.db.addBuild(BuildID(i+1), drvPath, 1)
	}
	lastBuildID := BuildID(0)
	env.getQueuedBuilds(ctx, t, &lastBuildID)

	env.db.removeBuild(1)
	env.db.removeBuild(4)
	if err := env.state.processQueueChange(ctx); err != nil {
		t.Fatal(err)
	}

	env.state.buildsMu.Lock()
	got := make([]BuildID, 0, len(env.state.builds))
	for id := range env.state.builds {
		got = append(got, id)
	}
	env.state.buildsMu.Unlock()
	want := []BuildID{2, 3}
	if diff := cmp.Diff(want, got, cmpSortBuildIDs); diff != "" {
		t.Errorf("tracked builds (-want +got):\n%s", diff)
	}
}
