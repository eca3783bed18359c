// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"

	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/sets"
	"zombiezen.com/go/log"
)

// maxExpansionDepth bounds the recursion of createStep.
// Derivation graphs are acyclic, but their depth is user input.
const maxExpansionDepth = 10000

// createStep creates or reuses the step for drvPath
// and links it to referringBuild or referringStep.
//
// It returns nil (and no error) if the derivation's outputs are all
// valid in the store: such a step is a cached no-op and drvPath is
// recorded in finishedDrvs.
//
// For a newly created step, createStep recurses into the derivation's
// inputs, populating the step's dependency edges before marking it
// created. Steps created by this call are added to newSteps; steps
// that finish creation with no pending dependencies are added to
// newRunnable. The parent link is installed before children are
// expanded, so a child always observes its parent in rdeps.
func (s *State) createStep(ctx context.Context, store hearthstore.Store, drvPath hearthstore.Path,
	referringBuild *Build, referringStep *Step,
	finishedDrvs sets.Set[hearthstore.Path], newSteps, newRunnable sets.Set[*Step],
	depth int) (*Step, error) {
	if finishedDrvs.Has(drvPath) {
		return nil, nil
	}
	if depth > maxExpansionDepth {
		return nil, fmt.Errorf("expanding %s: dependency graph too deep", drvPath)
	}

	step, isNew := s.getStep(drvPath, referringBuild, referringStep)
	if !isNew {
		// The step's sub-graph either already exists
		// or was constructed earlier in this expansion.
		return step, nil
	}

	log.Debugf(ctx, "considering derivation %s", drvPath)

	// Initialize the step. The step may be visible in the registry
	// before this point, but that doesn't matter: it's not runnable
	// yet, and no other thread will make it runnable while
	// step.state.created is false. If the step turns out to be a
	// cached no-op or initialization fails, its registry entry is
	// purged so a later lookup cannot upgrade a half-created step.
	created := false
	defer func() {
		if !created {
			s.removeStep(step)
		}
	}()

	drv, err := store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	step.drv = drv
	step.requiredSystemFeatures = drv.RequiredSystemFeatures()
	step.preferLocalBuild = drv.Env["preferLocalBuild"] == "1" && s.localPlatforms.Has(drv.System)

	// Are all outputs valid?
	valid := true
	for _, outPath := range drv.OutputPaths() {
		ok, err := store.IsValidPath(ctx, outPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			valid = false
			break
		}
	}
	if valid {
		finishedDrvs.Add(drvPath)
		return nil, nil
	}

	// No, we need to build.
	log.Debugf(ctx, "creating build step %s", drvPath)
	newSteps.Add(step)
	s.metrics.stepsCreated.Inc()

	// Create steps for the dependencies.
	for inputDrv := range drv.InputDerivations {
		dep, err := s.createStep(ctx, store, inputDrv, nil, step, finishedDrvs, newSteps, newRunnable, depth+1)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			step.mu.Lock()
			step.state.deps.Add(dep)
			step.mu.Unlock()
		}
	}

	// If the step has no (remaining) dependencies, make it runnable.
	step.mu.Lock()
	if step.state.created {
		step.mu.Unlock()
		panic(fmt.Sprintf("queue: step %s created twice", drvPath))
	}
	step.state.created = true
	if step.state.deps.Len() == 0 {
		newRunnable.Add(step)
	}
	step.mu.Unlock()

	created = true
	return step, nil
}
