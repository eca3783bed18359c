// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"zombiezen.com/go/log"
)

// queueMonitorRetryDelay is how long the monitor sleeps after a loop
// failure. Failures are usually database problems, so don't retry
// right away.
const queueMonitorRetryDelay = 10 * time.Second

// QueueMonitor runs the queue monitor until ctx is done:
// it loads queued builds, blocks on database notifications,
// and reconciles cancellations and priority bumps.
// Loop failures are logged and retried after a delay.
func (s *State) QueueMonitor(ctx context.Context) error {
	for {
		err := s.queueMonitorLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Errorf(ctx, "queue monitor: %v", err)
		select {
		case <-s.clock.After(queueMonitorRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *State) queueMonitorLoop(ctx context.Context) error {
	listener, err := s.db.Listen(ctx,
		channelBuildsAdded,
		channelBuildsRestarted,
		channelBuildsCancelled,
		channelBuildsDeleted,
		channelBuildsBumped,
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Warnf(ctx, "closing queue listener: %v", err)
		}
	}()

	store, err := s.openStore(ctx) // TODO(someday): pool
	if err != nil {
		return err
	}

	lastBuildID := BuildID(0)
	for {
		if err := s.getQueuedBuilds(ctx, store, &lastBuildID); err != nil {
			return err
		}

		// Sleep until the database notifies us about an event.
		channels, err := listener.Await(ctx)
		if err != nil {
			return err
		}
		s.metrics.queueWakeups.Inc()

		queueChanged := false
		for _, ch := range channels {
			switch ch {
			case channelBuildsAdded:
				log.Debugf(ctx, "got notification: new builds added to the queue")
			case channelBuildsRestarted:
				log.Debugf(ctx, "got notification: builds restarted")
				// Check all builds.
				lastBuildID = 0
			case channelBuildsCancelled, channelBuildsDeleted, channelBuildsBumped:
				log.Debugf(ctx, "got notification: builds cancelled or bumped")
				queueChanged = true
			}
		}
		if queueChanged {
			if err := s.processQueueChange(ctx); err != nil {
				return err
			}
		}
	}
}
