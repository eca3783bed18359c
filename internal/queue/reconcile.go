// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"

	"zombiezen.com/go/log"
)

// processQueueChange reconciles the in-memory build set against the
// current database rows: builds whose rows are gone are dropped, and
// raised global priorities are adopted and re-propagated.
// It performs no database writes.
func (s *State) processQueueChange(ctx context.Context) error {
	// Get the current set of queued builds.
	currentIDs, err := s.db.UnfinishedBuilds(ctx)
	if err != nil {
		return err
	}

	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()

	for id, build := range s.builds {
		prio, ok := currentIDs[id]
		if !ok {
			log.Infof(ctx, "discarding cancelled build %d", id)
			delete(s.builds, id)
			// FIXME: ideally we would interrupt active build steps here.
			continue
		}
		if build.GlobalPriority < prio {
			log.Infof(ctx, "priority of build %d increased", id)
			build.GlobalPriority = prio
			build.propagatePriorities()
		}
	}
	return nil
}
