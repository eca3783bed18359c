// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"hearth.build/pkg/hearthstore"
)

// BuildStatus is the status code written to the Builds table
// when a build finishes.
type BuildStatus int

// Defined build statuses.
const (
	BuildStatusSuccess          BuildStatus = 0
	BuildStatusFailed           BuildStatus = 1
	BuildStatusDepFailed        BuildStatus = 2
	BuildStatusAborted          BuildStatus = 3
	BuildStatusFailedWithOutput BuildStatus = 6
	BuildStatusCachedFailure    BuildStatus = 8
	BuildStatusUnsupported      BuildStatus = 9
)

// BuildStepStatus is the status code written to the BuildSteps table.
type BuildStepStatus int

// Defined build step statuses.
const (
	BuildStepStatusSuccess     BuildStepStatus = 0
	BuildStepStatusFailed      BuildStepStatus = 1
	BuildStepStatusUnsupported BuildStepStatus = 9
)

// A BuildRow is one unfinished row of the Builds table.
type BuildRow struct {
	ID      BuildID
	Project string
	Jobset  string
	Job     string
	DrvPath hearthstore.Path

	// MaxSilentTime and BuildTimeout are in seconds.
	MaxSilentTime int
	BuildTimeout  int

	Timestamp      time.Time
	GlobalPriority int
	LocalPriority  int
}

// A StepTiming is the recorded start and stop time of a historical build step.
type StepTiming struct {
	StartTime time.Time
	StopTime  time.Time
}

// Database is the interface the queue monitor consumes the
// orchestrator database through.
// The Builds row updates of completion writes are guarded by a
// finished = 0 predicate, so they leave a build that a concurrent writer
// finished first unchanged. The BuildSteps and BuildProducts rows that
// accompany them are written regardless.
type Database interface {
	// QueuedBuildsAfter returns the unfinished builds with IDs greater
	// than after, ordered by global priority descending, then ID ascending.
	QueuedBuildsAfter(ctx context.Context, after BuildID) ([]BuildRow, error)

	// UnfinishedBuilds returns the IDs and global priorities
	// of all currently unfinished builds.
	UnfinishedBuilds(ctx context.Context) (map[BuildID]int, error)

	// JobsetShares returns the scheduling-share weight of a jobset.
	// found is false if the jobset row does not exist.
	JobsetShares(ctx context.Context, project, jobset string) (shares int, found bool, err error)

	// JobsetStepHistory returns the timings of the jobset's build steps
	// that stopped after since.
	JobsetStepHistory(ctx context.Context, project, jobset string, since time.Time) ([]StepTiming, error)

	// AbortBuild marks the build aborted with the given error message.
	AbortBuild(ctx context.Context, id BuildID, errorMsg string, now time.Time) error

	// FailBuildWithStep records a build step with the given step status
	// and finishes the build with the given build status,
	// in a single transaction.
	FailBuildWithStep(ctx context.Context, build *Build, step *Step, buildStatus BuildStatus, stepStatus BuildStepStatus, isCachedBuild bool, now time.Time) error

	// MarkSucceededBuild writes a success-completion record for the build,
	// including sizes, the release name, and the build products.
	MarkSucceededBuild(ctx context.Context, build *Build, res *hearthstore.BuildOutput, isCachedBuild bool, startTime, stopTime time.Time) error

	// HasCachedFailure reports whether any of the given output paths
	// has a previously recorded build failure.
	HasCachedFailure(ctx context.Context, outputs []hearthstore.Path) (bool, error)

	// Listen subscribes to the given notification channels.
	Listen(ctx context.Context, channels ...string) (Listener, error)
}

// A Listener delivers database notifications to the queue monitor.
type Listener interface {
	// Await blocks until at least one notification arrives,
	// then returns the channel names of all pending notifications.
	// Await returns an error if the notification stream may have
	// dropped notifications (e.g. after a reconnect); the caller
	// must then assume any state change happened.
	Await(ctx context.Context) ([]string, error)

	// Close tears down the listener's connection.
	Close() error
}

// Notification channels the queue monitor subscribes to.
const (
	channelBuildsAdded     = "builds_added"
	channelBuildsRestarted = "builds_restarted"
	channelBuildsCancelled = "builds_cancelled"
	channelBuildsDeleted   = "builds_deleted"
	channelBuildsBumped    = "builds_bumped"
)
