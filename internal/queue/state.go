// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

// Package queue implements the queue monitor of the hearth queue runner:
// it watches the database for queued builds,
// expands each build into a graph of shared build steps,
// and hands runnable steps to a dispatcher.
package queue

import (
	"context"
	"slices"
	"sync"
	"weak"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/sets"
)

// A Dispatcher is handed steps that have no pending dependencies
// and are eligible for immediate execution.
// MakeRunnable must not block.
type Dispatcher interface {
	MakeRunnable(step *Step)
}

// Options is the set of optional parameters to [New].
type Options struct {
	// Clock is the time source used for database writes
	// and the jobset scheduling window.
	// If nil, the real clock is used.
	Clock clockwork.Clock

	// LocalPlatforms is the set of platforms
	// that builds can prefer to run locally on.
	LocalPlatforms []string

	// BuildOne restricts the queue monitor to a single build ID.
	// Used for debugging.
	BuildOne BuildID

	// MetricsRegisterer receives the state's collectors if not nil.
	MetricsRegisterer prometheus.Registerer
}

// State holds the queue monitor's in-memory view of the build queue:
// the known builds, the deduplicated step graph,
// the jobset cache, and the machine registry.
type State struct {
	db         Database
	openStore  func(context.Context) (hearthstore.Store, error)
	dispatcher Dispatcher
	clock      clockwork.Clock
	metrics    *metrics

	localPlatforms sets.Set[string]
	buildOne       BuildID

	buildsMu sync.Mutex
	builds   map[BuildID]*Build

	stepsMu sync.Mutex
	steps   map[hearthstore.Path]weak.Pointer[Step]

	jobsetsMu sync.Mutex
	jobsets   map[jobsetKey]*Jobset

	machinesMu sync.RWMutex
	machines   map[string]*Machine
}

// New returns a new [State] reading builds from db,
// reading derivations from stores opened with openStore,
// and publishing runnable steps to dispatcher.
// New panics if db, openStore, or dispatcher is nil.
func New(db Database, openStore func(context.Context) (hearthstore.Store, error), dispatcher Dispatcher, opts *Options) *State {
	if db == nil {
		panic("queue.New called with nil database")
	}
	if openStore == nil {
		panic("queue.New called with nil store opener")
	}
	if dispatcher == nil {
		panic("queue.New called with nil dispatcher")
	}
	if opts == nil {
		opts = new(Options)
	}
	s := &State{
		db:         db,
		openStore:  openStore,
		dispatcher: dispatcher,
		clock:      opts.Clock,
		buildOne:   opts.BuildOne,
		metrics:    newMetrics(opts.MetricsRegisterer),

		localPlatforms: sets.Collect(slices.Values(opts.LocalPlatforms)),
		builds:         make(map[BuildID]*Build),
		steps:          make(map[hearthstore.Path]weak.Pointer[Step]),
		jobsets:        make(map[jobsetKey]*Jobset),
		machines:       make(map[string]*Machine),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// SetMachines replaces the machine registry.
// Steps whose derivations no machine supports
// cause their builds to finish with an unsupported status.
func (s *State) SetMachines(machines []*Machine) {
	m := make(map[string]*Machine, len(machines))
	for _, machine := range machines {
		m[machine.Name] = machine
	}
	s.machinesMu.Lock()
	s.machines = m
	s.machinesMu.Unlock()
}

// NumBuilds returns the number of builds currently tracked in memory.
func (s *State) NumBuilds() int {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	return len(s.builds)
}

func (s *State) supportedStep(step *Step) bool {
	s.machinesMu.RLock()
	defer s.machinesMu.RUnlock()
	for _, m := range s.machines {
		if m.SupportsStep(step) {
			return true
		}
	}
	return false
}
