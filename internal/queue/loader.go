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

// getQueuedBuilds reads builds with IDs greater than *lastBuildID from
// the database, expands each one into build steps, and publishes the
// resulting runnable steps to the dispatcher.
// *lastBuildID is advanced to the highest ID seen.
func (s *State) getQueuedBuilds(ctx context.Context, store hearthstore.Store, lastBuildID *BuildID) error {
	log.Infof(ctx, "checking the queue for builds > %d...", *lastBuildID)

	// Grab the queued builds from the database, but don't process them
	// yet (we don't want a long-running transaction).
	rows, err := s.db.QueuedBuildsAfter(ctx, *lastBuildID)
	if err != nil {
		return err
	}

	var newIDs []BuildID
	newBuildsByID := make(map[BuildID]*Build)
	// Multiple builds may share a derivation.
	newBuildsByPath := make(map[hearthstore.Path][]BuildID)

	for _, row := range rows {
		if row.ID > *lastBuildID {
			*lastBuildID = row.ID
		}
		if s.buildOne != 0 && row.ID != s.buildOne {
			continue
		}
		s.buildsMu.Lock()
		_, known := s.builds[row.ID]
		s.buildsMu.Unlock()
		if known {
			continue
		}

		jobset, err := s.createJobset(ctx, row.Project, row.Jobset)
		if err != nil {
			return err
		}
		build := &Build{
			ID:             row.ID,
			DrvPath:        row.DrvPath,
			ProjectName:    row.Project,
			JobsetName:     row.Jobset,
			JobName:        row.Job,
			MaxSilentTime:  row.MaxSilentTime,
			BuildTimeout:   row.BuildTimeout,
			Timestamp:      row.Timestamp,
			GlobalPriority: row.GlobalPriority,
			LocalPriority:  row.LocalPriority,
			jobset:         jobset,
		}
		newIDs = append(newIDs, row.ID)
		newBuildsByID[row.ID] = build
		newBuildsByPath[row.DrvPath] = append(newBuildsByPath[row.DrvPath], row.ID)
	}

	var newRunnable sets.Set[*Step]
	// createdThisLoad accumulates every step created while loading one
	// top-level build, including its co-expanded siblings, so the
	// registry can be cleaned up if the expansion fails partway.
	var createdThisLoad sets.Set[*Step]
	nrAdded := 0
	var createBuild func(build *Build) error

	createBuild = func(build *Build) error {
		log.Debugf(ctx, "loading build %d (%s)", build.ID, build.FullJobName())
		nrAdded++
		delete(newBuildsByID, build.ID)

		valid, err := store.IsValidPath(ctx, build.DrvPath)
		if err != nil {
			return err
		}
		if !valid {
			// Derivation has been GC'ed prematurely.
			log.Errorf(ctx, "aborting GC'ed build %d", build.ID)
			if !build.finishedInDB {
				if err := s.db.AbortBuild(ctx, build.ID, "derivation was garbage-collected prior to build", s.clock.Now()); err != nil {
					return err
				}
				build.finishedInDB = true
				s.metrics.buildsDone.Inc()
			}
			return nil
		}

		newSteps := make(sets.Set[*Step])
		finishedDrvs := make(sets.Set[hearthstore.Path])
		step, err := s.createStep(ctx, store, build.DrvPath, build, nil, finishedDrvs, newSteps, newRunnable, 0)
		createdThisLoad.AddSeq(newSteps.All())
		if err != nil {
			return err
		}

		// Some of the new steps may be the top level of builds that we
		// haven't processed yet, so do them now. This ensures that if
		// build A depends on build B with top-level step X, then X
		// will be accounted to B before A's pre-flight examines it.
		for r := range newSteps.All() {
			for _, otherID := range newBuildsByPath[r.drvPath] {
				other, ok := newBuildsByID[otherID]
				if !ok {
					continue
				}
				if err := createBuild(other); err != nil {
					return err
				}
			}
		}

		// If we didn't get a step, the derivation's outputs are all
		// valid, so mark this as a finished, cached build.
		if step == nil {
			drv, err := store.ReadDerivation(ctx, build.DrvPath)
			if err != nil {
				return err
			}
			res, err := store.GetBuildOutput(ctx, drv)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if err := s.db.MarkSucceededBuild(ctx, build, res, true, now, now); err != nil {
				return err
			}
			build.finishedInDB = true
			return nil
		}

		// If any step has an unsupported system type or a previously
		// failed output path, fail the build right away.
		for r := range newSteps.All() {
			buildStatus := BuildStatusSuccess
			buildStepStatus := BuildStepStatusFailed

			cached, err := s.db.HasCachedFailure(ctx, r.drv.OutputPaths())
			if err != nil {
				return err
			}
			if cached {
				log.Errorf(ctx, "marking build %d as cached failure", build.ID)
				if r == step {
					buildStatus = BuildStatusFailed
				} else {
					buildStatus = BuildStatusDepFailed
				}
			}

			if buildStatus == BuildStatusSuccess && !s.supportedStep(r) {
				log.Errorf(ctx, "aborting unsupported build %d", build.ID)
				buildStatus = BuildStatusUnsupported
				buildStepStatus = BuildStepStatusUnsupported
			}

			if buildStatus == BuildStatusSuccess {
				continue
			}
			if !build.finishedInDB {
				isCachedBuild := buildStatus != BuildStatusUnsupported
				if err := s.db.FailBuildWithStep(ctx, build, r, buildStatus, buildStepStatus, isCachedBuild, s.clock.Now()); err != nil {
					return err
				}
				build.finishedInDB = true
				s.metrics.buildsDone.Inc()
			}
			// The build is dropped, so unregister its steps and
			// abort their publication. Steps reachable from a
			// co-expanded sibling build stay registered and runnable.
			for st := range s.pruneAbandonedSteps(newSteps).All() {
				newRunnable.Delete(st)
			}
			return nil
		}

		// Note: if we bail out of this function before this point, the
		// build and all newly created steps become unreachable.
		s.buildsMu.Lock()
		if !build.finishedInDB { // FIXME: can this happen?
			s.builds[build.ID] = build
		}
		build.toplevel = step
		s.buildsMu.Unlock()

		build.propagatePriorities()

		log.Debugf(ctx, "added build %d (top-level step %s, %d new steps)", build.ID, step.drvPath, newSteps.Len())
		return nil
	}

	// Now instantiate build steps for each new build. The builder
	// threads can start building the runnable steps right away, even
	// while we're still processing other new builds.
	for _, id := range newIDs {
		build, ok := newBuildsByID[id]
		if !ok {
			continue
		}

		newRunnable = make(sets.Set[*Step])
		createdThisLoad = make(sets.Set[*Step])
		nrAdded = 0
		if err := createBuild(build); err != nil {
			s.pruneAbandonedSteps(createdThisLoad)
			return fmt.Errorf("while loading build %d: %w", build.ID, err)
		}

		// Add the new runnable build steps and wake up the dispatcher.
		log.Debugf(ctx, "got %d new runnable steps from %d new builds", newRunnable.Len(), nrAdded)
		for r := range newRunnable.All() {
			s.dispatcher.MakeRunnable(r)
		}

		s.metrics.buildsRead.Add(float64(nrAdded))
	}

	return nil
}
