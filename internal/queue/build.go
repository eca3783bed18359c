// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"time"

	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/internal/deque"
	"hearth.build/pkg/sets"
)

// BuildID is the database identifier of a queued build.
type BuildID int32

// A Build is a user-queued request to realize a particular derivation.
type Build struct {
	ID      BuildID
	DrvPath hearthstore.Path

	ProjectName string
	JobsetName  string
	JobName     string

	// MaxSilentTime and BuildTimeout are in seconds,
	// as stored in the database.
	MaxSilentTime int
	BuildTimeout  int

	// Timestamp is when the build was queued.
	Timestamp time.Time

	GlobalPriority int
	LocalPriority  int

	jobset *Jobset
	// toplevel is assigned once expansion of the build's derivation
	// graph succeeds. Strong reference: the build keeps its graph alive.
	toplevel *Step
	// finishedInDB is set once a completion row update has been written.
	finishedInDB bool
}

// FullJobName returns the project:jobset:job triple for log messages.
func (b *Build) FullJobName() string {
	return fmt.Sprintf("%s:%s:%s", b.ProjectName, b.JobsetName, b.JobName)
}

// Jobset returns the jobset the build belongs to.
func (b *Build) Jobset() *Jobset {
	return b.jobset
}

// Toplevel returns the step for the build's own derivation,
// or nil if the build has not been expanded.
func (b *Build) Toplevel() *Step {
	return b.toplevel
}

// propagatePriorities updates the priority and build-ID aggregates
// of every step reachable from the build's top-level step.
// The dispatcher uses these to start steps in order of
// descending global priority and ascending build ID.
func (b *Build) propagatePriorities() {
	visitDependencies(func(step *Step) {
		step.mu.Lock()
		defer step.mu.Unlock()
		step.state.highestGlobalPriority = max(step.state.highestGlobalPriority, b.GlobalPriority)
		step.state.highestLocalPriority = max(step.state.highestLocalPriority, b.LocalPriority)
		step.state.lowestBuildID = min(step.state.lowestBuildID, b.ID)
		step.state.jobsets.Add(b.jobset)
	}, b.toplevel)
}

// visitDependencies calls visitor once for each step
// transitively reachable from start, including start itself.
// Steps reachable through multiple paths are visited once.
func visitDependencies(visitor func(*Step), start *Step) {
	queued := sets.New(start)
	todo := new(deque.Deque[*Step])
	todo.PushBack(start)
	for {
		step, ok := todo.PopFront()
		if !ok {
			return
		}
		visitor(step)

		step.mu.Lock()
		for dep := range step.state.deps.All() {
			if !queued.Has(dep) {
				queued.Add(dep)
				todo.PushBack(dep)
			}
		}
		step.mu.Unlock()
	}
}
