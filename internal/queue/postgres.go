// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"hearth.build/pkg/hearthstore"
)

// PostgresDatabase is the [Database] implementation
// backed by the orchestrator's PostgreSQL database.
type PostgresDatabase struct {
	db *sql.DB
	// connInfo is retained for notification listeners,
	// which need their own connection.
	connInfo string
}

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// OpenPostgres opens the orchestrator database with the given
// connection string.
func OpenPostgres(connInfo string) (*PostgresDatabase, error) {
	db, err := sql.Open("postgres", connInfo)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &PostgresDatabase{db: db, connInfo: connInfo}, nil
}

// Ping verifies the database connection.
func (p *PostgresDatabase) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (p *PostgresDatabase) Close() error {
	return p.db.Close()
}

// QueuedBuildsAfter implements [Database].
func (p *PostgresDatabase) QueuedBuildsAfter(ctx context.Context, after BuildID) ([]BuildRow, error) {
	rows, err := p.db.QueryContext(ctx,
		`select id, project, jobset, job, drvPath, maxsilent, timeout, timestamp, globalPriority, priority `+
			`from Builds where id > $1 and finished = 0 order by globalPriority desc, id`,
		int64(after))
	if err != nil {
		return nil, fmt.Errorf("queued builds: %w", err)
	}
	defer rows.Close()

	var result []BuildRow
	for rows.Next() {
		var row BuildRow
		var drvPath string
		var timestamp int64
		if err := rows.Scan(&row.ID, &row.Project, &row.Jobset, &row.Job, &drvPath,
			&row.MaxSilentTime, &row.BuildTimeout, &timestamp,
			&row.GlobalPriority, &row.LocalPriority); err != nil {
			return nil, fmt.Errorf("queued builds: %w", err)
		}
		row.DrvPath, err = hearthstore.ParsePath(drvPath)
		if err != nil {
			return nil, fmt.Errorf("queued builds: build %d: %v", row.ID, err)
		}
		row.Timestamp = time.Unix(timestamp, 0)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queued builds: %w", err)
	}
	return result, nil
}

// UnfinishedBuilds implements [Database].
func (p *PostgresDatabase) UnfinishedBuilds(ctx context.Context) (map[BuildID]int, error) {
	rows, err := p.db.QueryContext(ctx, `select id, globalPriority from Builds where finished = 0`)
	if err != nil {
		return nil, fmt.Errorf("unfinished builds: %w", err)
	}
	defer rows.Close()

	result := make(map[BuildID]int)
	for rows.Next() {
		var id BuildID
		var prio int
		if err := rows.Scan(&id, &prio); err != nil {
			return nil, fmt.Errorf("unfinished builds: %w", err)
		}
		result[id] = prio
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unfinished builds: %w", err)
	}
	return result, nil
}

// JobsetShares implements [Database].
func (p *PostgresDatabase) JobsetShares(ctx context.Context, project, jobset string) (int, bool, error) {
	var shares int
	err := p.db.QueryRowContext(ctx,
		`select schedulingShares from Jobsets where project = $1 and name = $2`,
		project, jobset).Scan(&shares)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("jobset %s:%s shares: %w", project, jobset, err)
	}
	return shares, true, nil
}

// JobsetStepHistory implements [Database].
func (p *PostgresDatabase) JobsetStepHistory(ctx context.Context, project, jobset string, since time.Time) ([]StepTiming, error) {
	rows, err := p.db.QueryContext(ctx,
		`select s.startTime, s.stopTime from BuildSteps s join Builds b on s.build = b.id `+
			`where s.startTime is not null and s.stopTime > $1 and b.project = $2 and b.jobset = $3`,
		since.Unix(), project, jobset)
	if err != nil {
		return nil, fmt.Errorf("jobset %s:%s history: %w", project, jobset, err)
	}
	defer rows.Close()

	var result []StepTiming
	for rows.Next() {
		var startTime, stopTime int64
		if err := rows.Scan(&startTime, &stopTime); err != nil {
			return nil, fmt.Errorf("jobset %s:%s history: %w", project, jobset, err)
		}
		result = append(result, StepTiming{
			StartTime: time.Unix(startTime, 0),
			StopTime:  time.Unix(stopTime, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobset %s:%s history: %w", project, jobset, err)
	}
	return result, nil
}

// AbortBuild implements [Database].
func (p *PostgresDatabase) AbortBuild(ctx context.Context, id BuildID, errorMsg string, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`update Builds set finished = 1, busy = 0, buildStatus = $2, startTime = $3, stopTime = $3, errorMsg = $4 `+
			`where id = $1 and finished = 0`,
		int64(id), int(BuildStatusAborted), now.Unix(), errorMsg)
	if err != nil {
		return fmt.Errorf("abort build %d: %w", id, err)
	}
	return nil
}

// FailBuildWithStep implements [Database].
func (p *PostgresDatabase) FailBuildWithStep(ctx context.Context, build *Build, step *Step, buildStatus BuildStatus, stepStatus BuildStepStatus, isCachedBuild bool, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail build %d: %w", build.ID, err)
	}
	defer tx.Rollback()

	if err := createBuildStep(ctx, tx, build, step, "", stepStatus, now); err != nil {
		return fmt.Errorf("fail build %d: %w", build.ID, err)
	}
	isCached := 0
	if isCachedBuild {
		isCached = 1
	}
	_, err = tx.ExecContext(ctx,
		`update Builds set finished = 1, busy = 0, buildStatus = $2, startTime = $3, stopTime = $3, isCachedBuild = $4 `+
			`where id = $1 and finished = 0`,
		int64(build.ID), int(buildStatus), now.Unix(), isCached)
	if err != nil {
		return fmt.Errorf("fail build %d: %w", build.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail build %d: %w", build.ID, err)
	}
	return nil
}

// createBuildStep inserts a BuildSteps row for step within tx.
func createBuildStep(ctx context.Context, tx *sql.Tx, build *Build, step *Step, machine string, status BuildStepStatus, now time.Time) error {
	var stepNr int
	err := tx.QueryRowContext(ctx,
		`select coalesce(max(stepnr), 0) + 1 from BuildSteps where build = $1`,
		int64(build.ID)).Scan(&stepNr)
	if err != nil {
		return err
	}
	system := ""
	if drv := step.Derivation(); drv != nil {
		system = drv.System
	}
	_, err = tx.ExecContext(ctx,
		`insert into BuildSteps (build, stepnr, type, drvPath, busy, startTime, stopTime, system, status, machine) `+
			`values ($1, $2, 0, $3, 0, $4, $4, $5, $6, $7)`,
		int64(build.ID), stepNr, string(step.DrvPath()), now.Unix(), system, int(status), machine)
	return err
}

// MarkSucceededBuild implements [Database].
func (p *PostgresDatabase) MarkSucceededBuild(ctx context.Context, build *Build, res *hearthstore.BuildOutput, isCachedBuild bool, startTime, stopTime time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark build %d succeeded: %w", build.ID, err)
	}
	defer tx.Rollback()

	buildStatus := BuildStatusSuccess
	if res.Failed {
		buildStatus = BuildStatusFailedWithOutput
	}
	var releaseName any
	if res.ReleaseName != "" {
		releaseName = res.ReleaseName
	}
	isCached := 0
	if isCachedBuild {
		isCached = 1
	}
	_, err = tx.ExecContext(ctx,
		`update Builds set finished = 1, busy = 0, buildStatus = $2, startTime = $3, stopTime = $4, `+
			`size = $5, closureSize = $6, releaseName = $7, isCachedBuild = $8 `+
			`where id = $1 and finished = 0`,
		int64(build.ID), int(buildStatus), startTime.Unix(), stopTime.Unix(),
		int64(res.Size), int64(res.ClosureSize), releaseName, isCached)
	if err != nil {
		return fmt.Errorf("mark build %d succeeded: %w", build.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `delete from BuildProducts where build = $1`, int64(build.ID)); err != nil {
		return fmt.Errorf("mark build %d succeeded: %w", build.ID, err)
	}
	for i, product := range res.Products {
		var fileSize, sha256 any
		if product.HasFileInfo {
			fileSize = int64(product.FileSize)
			sha256 = product.SHA256.String()
		}
		_, err := tx.ExecContext(ctx,
			`insert into BuildProducts (build, productnr, type, subtype, fileSize, sha256hash, path, name, defaultPath) `+
				`values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			int64(build.ID), i+1, product.Type, product.Subtype, fileSize, sha256,
			product.Path, product.Name, product.DefaultPath)
		if err != nil {
			return fmt.Errorf("mark build %d succeeded: %w", build.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark build %d succeeded: %w", build.ID, err)
	}
	return nil
}

// HasCachedFailure implements [Database].
func (p *PostgresDatabase) HasCachedFailure(ctx context.Context, outputs []hearthstore.Path) (bool, error) {
	for _, path := range outputs {
		var one int
		err := p.db.QueryRowContext(ctx,
			`select 1 from FailedPaths where path = $1`, string(path)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("cached failure check for %s: %w", path, err)
		}
		return true, nil
	}
	return false, nil
}

// Listen implements [Database].
// The listener uses its own connection, separate from the pool.
func (p *PostgresDatabase) Listen(ctx context.Context, channels ...string) (Listener, error) {
	l := pq.NewListener(p.connInfo, listenerMinReconnect, listenerMaxReconnect, nil)
	for _, ch := range channels {
		if err := l.Listen(ch); err != nil {
			l.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return &pgListener{l: l}, nil
}

type pgListener struct {
	l *pq.Listener
}

// errListenerReconnected forces the monitor loop to restart with a
// full queue rescan, since notifications may have been dropped while
// the connection was down.
var errListenerReconnected = errors.New("notification connection was re-established; notifications may have been missed")

func (pl *pgListener) Await(ctx context.Context) ([]string, error) {
	var channels []string
	select {
	case n, ok := <-pl.l.Notify:
		if !ok {
			return nil, errors.New("notification listener closed")
		}
		if n == nil {
			return nil, errListenerReconnected
		}
		channels = append(channels, n.Channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Collect any other pending notifications without blocking.
	for {
		select {
		case n, ok := <-pl.l.Notify:
			if !ok {
				return channels, nil
			}
			if n == nil {
				return nil, errListenerReconnected
			}
			channels = append(channels, n.Channel)
		default:
			return channels, nil
		}
	}
}

func (pl *pgListener) Close() error {
	return pl.l.Close()
}
