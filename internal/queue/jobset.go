// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"zombiezen.com/go/log"
)

// SchedulingWindow is the period over which a jobset's
// recent build-step time is accounted for fair-share scheduling.
const SchedulingWindow = 24 * time.Hour

type jobsetKey struct {
	project string
	jobset  string
}

// A Jobset tracks the scheduling-share weight
// and recent build-step time of one (project, jobset) pair.
// It is shared across all builds of that jobset.
type Jobset struct {
	mu      sync.Mutex
	shares  int
	seconds time.Duration
	// steps maps step start times to durations.
	// createJobset loads ten scheduling windows of history;
	// [Jobset.PruneSteps] trims it to the last [SchedulingWindow].
	steps map[time.Time]time.Duration
}

func newJobset(shares int) *Jobset {
	return &Jobset{
		shares: shares,
		steps:  make(map[time.Time]time.Duration),
	}
}

// Shares returns the jobset's scheduling-share weight.
func (js *Jobset) Shares() int {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.shares
}

// SetShares updates the jobset's scheduling-share weight.
// Weights below 1 are clamped to 1.
func (js *Jobset) SetShares(shares int) {
	if shares < 1 {
		shares = 1
	}
	js.mu.Lock()
	js.shares = shares
	js.mu.Unlock()
}

// ShareUsed returns the jobset's recent build time
// normalized by its share weight.
// The dispatcher prefers jobsets with lower values.
func (js *Jobset) ShareUsed() float64 {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.seconds.Seconds() / float64(js.shares)
}

// AddStep accounts a completed or historical build step to the jobset.
func (js *Jobset) AddStep(startTime time.Time, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if prev, ok := js.steps[startTime]; ok {
		js.seconds -= prev
	}
	js.steps[startTime] = duration
	js.seconds += duration
}

// PruneSteps drops accounted steps that started
// more than [SchedulingWindow] before now.
func (js *Jobset) PruneSteps(now time.Time) {
	horizon := now.Add(-SchedulingWindow)
	js.mu.Lock()
	defer js.mu.Unlock()
	for startTime, duration := range js.steps {
		if startTime.Before(horizon) {
			js.seconds -= duration
			delete(js.steps, startTime)
		}
	}
}

var errMissingJobset = errors.New("missing jobset - can't happen")

// createJobset returns the cached jobset for the (project, jobset) pair,
// loading its share weight and recent build-step history
// from the database on first use.
func (s *State) createJobset(ctx context.Context, projectName, jobsetName string) (*Jobset, error) {
	key := jobsetKey{projectName, jobsetName}

	s.jobsetsMu.Lock()
	jobset := s.jobsets[key]
	s.jobsetsMu.Unlock()
	if jobset != nil {
		return jobset, nil
	}

	shares, found, err := s.db.JobsetShares(ctx, projectName, jobsetName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errMissingJobset
	}
	if shares == 0 {
		shares = 1
	}
	jobset = newJobset(shares)

	// Load the build steps from the recent scheduling history.
	since := s.clock.Now().Add(-SchedulingWindow * 10)
	history, err := s.db.JobsetStepHistory(ctx, projectName, jobsetName, since)
	if err != nil {
		return nil, err
	}
	for _, timing := range history {
		jobset.AddStep(timing.StartTime, timing.StopTime.Sub(timing.StartTime))
	}
	log.Debugf(ctx, "loaded jobset %s:%s (%d shares, %d recent steps)", projectName, jobsetName, shares, len(history))

	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	if prev := s.jobsets[key]; prev != nil {
		return prev, nil
	}
	s.jobsets[key] = jobset
	return jobset, nil
}
