// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"weak"

	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/internal/deque"
	"hearth.build/pkg/sets"
)

// A Step is a node in the derivation graph:
// the need to build one derivation,
// potentially shared among multiple builds.
type Step struct {
	drvPath hearthstore.Path

	// The fields below are initialized by createStep
	// before state.created is set
	// and are read-only afterwards.
	drv                    *hearthstore.Derivation
	requiredSystemFeatures sets.Set[string]
	preferLocalBuild       bool

	mu    sync.Mutex
	state stepState
}

// stepState is the mutable portion of a [Step], guarded by Step.mu.
type stepState struct {
	// created is false while the step's dependency edges
	// are still being populated.
	// A step with created == false is never runnable.
	created bool

	// deps is the set of steps that must complete before this one can run.
	// Strong references: a step keeps its prerequisites alive.
	deps sets.Set[*Step]
	// rdeps are the steps that depend on this one.
	// Back-references, so weak.
	rdeps []weak.Pointer[Step]
	// builds are the builds for which this step is reachable.
	// Back-references, so weak.
	builds []weak.Pointer[Build]

	// Aggregates over all reachable builds,
	// used by the dispatcher to order steps.
	highestGlobalPriority int
	highestLocalPriority  int
	lowestBuildID         BuildID
	jobsets               sets.Set[*Jobset]
}

func newStep(drvPath hearthstore.Path) *Step {
	return &Step{
		drvPath: drvPath,
		state: stepState{
			deps:          make(sets.Set[*Step]),
			jobsets:       make(sets.Set[*Jobset]),
			lowestBuildID: math.MaxInt32,
		},
	}
}

// DrvPath returns the path of the derivation the step will build.
func (step *Step) DrvPath() hearthstore.Path {
	return step.drvPath
}

// Derivation returns the step's parsed derivation.
// It returns nil until the step has been initialized.
func (step *Step) Derivation() *hearthstore.Derivation {
	return step.drv
}

// RequiredSystemFeatures returns the features a machine must provide
// to run this step.
func (step *Step) RequiredSystemFeatures() sets.Set[string] {
	return step.requiredSystemFeatures
}

// PreferLocalBuild reports whether the derivation asks to be built locally.
func (step *Step) PreferLocalBuild() bool {
	return step.preferLocalBuild
}

// Created reports whether the step's dependency edges are fully populated.
func (step *Step) Created() bool {
	step.mu.Lock()
	defer step.mu.Unlock()
	return step.state.created
}

// Deps returns a copy of the step's unfinished dependencies.
func (step *Step) Deps() []*Step {
	step.mu.Lock()
	defer step.mu.Unlock()
	deps := make([]*Step, 0, step.state.deps.Len())
	for dep := range step.state.deps.All() {
		deps = append(deps, dep)
	}
	return deps
}

// Builds returns the builds for which this step is reachable,
// collected by walking the reverse dependency edges up to the
// top-level steps. Builds that have since been discarded are omitted.
func (step *Step) Builds() []*Build {
	queued := sets.New(step)
	todo := new(deque.Deque[*Step])
	todo.PushBack(step)
	builds := make(sets.Set[*Build])
	for {
		st, ok := todo.PopFront()
		if !ok {
			break
		}
		st.mu.Lock()
		for _, ptr := range st.state.builds {
			if b := ptr.Value(); b != nil {
				builds.Add(b)
			}
		}
		rdeps := slices.Clone(st.state.rdeps)
		st.mu.Unlock()
		for _, ptr := range rdeps {
			if r := ptr.Value(); r != nil && !queued.Has(r) {
				queued.Add(r)
				todo.PushBack(r)
			}
		}
	}
	result := make([]*Build, 0, builds.Len())
	for b := range builds.All() {
		result = append(result, b)
	}
	return result
}

// Priorities returns the maximum global and local priorities
// and the minimum build ID over all builds that reach this step.
func (step *Step) Priorities() (highestGlobal, highestLocal int, lowestBuildID BuildID) {
	step.mu.Lock()
	defer step.mu.Unlock()
	return step.state.highestGlobalPriority, step.state.highestLocalPriority, step.state.lowestBuildID
}

// Jobsets returns the jobsets the step contributes to.
func (step *Step) Jobsets() []*Jobset {
	step.mu.Lock()
	defer step.mu.Unlock()
	jobsets := make([]*Jobset, 0, step.state.jobsets.Len())
	for js := range step.state.jobsets.All() {
		jobsets = append(jobsets, js)
	}
	return jobsets
}

// getStep returns the step for drvPath,
// creating it if no live step exists,
// and links it to referringBuild and referringStep.
//
// The lookup and the linking happen under a single acquisition of the
// registry lock, so a step can never become reachable from a new build
// after a worker has removed it from the registry.
func (s *State) getStep(drvPath hearthstore.Path, referringBuild *Build, referringStep *Step) (step *Step, isNew bool) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()

	// See if the step already exists and is not stale.
	if ptr, ok := s.steps[drvPath]; ok {
		step = ptr.Value()
		if step == nil {
			// Remove stale entry.
			delete(s.steps, drvPath)
		}
	}

	if step == nil {
		step = newStep(drvPath)
		isNew = true
	}

	step.mu.Lock()
	if step.state.created == isNew {
		step.mu.Unlock()
		panic(fmt.Sprintf("queue: step registry corrupted: %s created=%t isNew=%t", drvPath, step.state.created, isNew))
	}
	if referringBuild != nil {
		step.state.builds = append(step.state.builds, weak.Make(referringBuild))
	}
	if referringStep != nil {
		step.state.rdeps = append(step.state.rdeps, weak.Make(referringStep))
	}
	step.mu.Unlock()

	s.steps[drvPath] = weak.Make(step)
	return step, isNew
}

// removeStep removes the registry entry for step's derivation path
// if the entry is stale or still refers to step.
//
// A dropped step stays upgradeable through its weak registry entry
// until the garbage collector runs, so expansion paths that give up
// on a step must purge its entry explicitly: a later lookup must
// never upgrade a step whose creation was abandoned.
func (s *State) removeStep(step *Step) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	if ptr, ok := s.steps[step.drvPath]; ok {
		if got := ptr.Value(); got == nil || got == step {
			delete(s.steps, step.drvPath)
		}
	}
}

// pruneAbandonedSteps removes from the registry every candidate step
// that is not reachable from a tracked build,
// and returns the set of removed steps.
// Called when a build is dropped partway through loading:
// fully created steps of the abandoned expansion must not be
// upgradeable by later expansions, or they would be reused without
// ever being published as runnable.
// Steps reachable from a co-expanded sibling build stay registered.
func (s *State) pruneAbandonedSteps(candidates sets.Set[*Step]) sets.Set[*Step] {
	pruned := make(sets.Set[*Step])
	if candidates.Len() == 0 {
		return pruned
	}

	s.buildsMu.Lock()
	toplevels := make([]*Step, 0, len(s.builds))
	for _, b := range s.builds {
		if b.toplevel != nil {
			toplevels = append(toplevels, b.toplevel)
		}
	}
	s.buildsMu.Unlock()

	keep := make(sets.Set[*Step])
	for _, top := range toplevels {
		visitDependencies(func(st *Step) {
			keep.Add(st)
		}, top)
	}

	for st := range candidates.All() {
		if !keep.Has(st) {
			s.removeStep(st)
			pruned.Add(st)
		}
	}
	return pruned
}
