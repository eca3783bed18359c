// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/sets"
)

const testStoreDir = hearthstore.Directory("/nix/store")

// testDigest is shared by all test store paths; the name part keeps
// the paths distinct.
const testDigest = "s66mzxpvicwk07gjbjfw9izjfa797vsw"

func testPath(name string) hearthstore.Path {
	return hearthstore.Path(testStoreDir.Join(testDigest + "-" + name))
}

func testDrvPath(name string) hearthstore.Path {
	return testPath(name + hearthstore.DerivationExt)
}

// fakeStore is an in-memory [hearthstore.Store].
type fakeStore struct {
	mu           sync.Mutex
	valid        sets.Set[hearthstore.Path]
	derivations  map[hearthstore.Path]*hearthstore.Derivation
	buildOutputs map[string]*hearthstore.BuildOutput
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		valid:        make(sets.Set[hearthstore.Path]),
		derivations:  make(map[hearthstore.Path]*hearthstore.Derivation),
		buildOutputs: make(map[string]*hearthstore.BuildOutput),
	}
}

// addDerivation registers a derivation named name whose inputs are the
// named derivations and returns its path. The derivation has a single
// output at testPath(name).
func (st *fakeStore) addDerivation(name string, inputs ...string) hearthstore.Path {
	drvPath := testDrvPath(name)
	inputDrvs := make(map[hearthstore.Path]*sets.Sorted[string], len(inputs))
	for _, input := range inputs {
		inputDrvs[testDrvPath(input)] = sets.NewSorted(hearthstore.DefaultOutputName)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.valid.Add(drvPath)
	st.derivations[drvPath] = &hearthstore.Derivation{
		Dir:              testStoreDir,
		Name:             name,
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		Env:              map[string]string{"name": name},
		InputDerivations: inputDrvs,
		InputSources:     new(sets.Sorted[hearthstore.Path]),
		Outputs: map[string]*hearthstore.DerivationOutput{
			hearthstore.DefaultOutputName: {Path: testPath(name)},
		},
	}
	return drvPath
}

func (st *fakeStore) setEnv(name, key, value string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.derivations[testDrvPath(name)].Env[key] = value
}

// markOutputsValid makes the named derivations' outputs valid,
// turning them into cached no-ops.
func (st *fakeStore) markOutputsValid(names ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, name := range names {
		st.valid.Add(testPath(name))
	}
}

func (st *fakeStore) IsValidPath(ctx context.Context, path hearthstore.Path) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.valid.Has(path), nil
}

func (st *fakeStore) ReadDerivation(ctx context.Context, path hearthstore.Path) (*hearthstore.Derivation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	drv := st.derivations[path]
	if drv == nil {
		return nil, fmt.Errorf("read derivation %s: not present", path)
	}
	return drv, nil
}

func (st *fakeStore) GetBuildOutput(ctx context.Context, drv *hearthstore.Derivation) (*hearthstore.BuildOutput, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if res := st.buildOutputs[drv.Name]; res != nil {
		return res, nil
	}
	return new(hearthstore.BuildOutput), nil
}

type abortRecord struct {
	ID       BuildID
	ErrorMsg string
}

type failRecord struct {
	ID            BuildID
	StepDrvPath   hearthstore.Path
	BuildStatus   BuildStatus
	StepStatus    BuildStepStatus
	IsCachedBuild bool
}

type succeedRecord struct {
	ID            BuildID
	IsCachedBuild bool
	ReleaseName   string
}

// fakeDatabase is an in-memory [Database] that records completion writes.
type fakeDatabase struct {
	mu          sync.Mutex
	queued      []BuildRow
	jobsets     map[jobsetKey]int
	history     map[jobsetKey][]StepTiming
	failedPaths sets.Set[hearthstore.Path]

	queuedAfterArgs []BuildID
	aborted         []abortRecord
	failed          []failRecord
	succeeded       []succeedRecord

	unfinishedCalls int
	queuedErr       error
	notify          chan []string
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		jobsets:     map[jobsetKey]int{{"tests", "trunk"}: 100},
		history:     make(map[jobsetKey][]StepTiming),
		failedPaths: make(sets.Set[hearthstore.Path]),
		notify:      make(chan []string),
	}
}

// addBuild queues a build of the given derivation
// under the tests:trunk jobset.
func (db *fakeDatabase) addBuild(id BuildID, drvPath hearthstore.Path, globalPriority int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queued = append(db.queued, BuildRow{
		ID:             id,
		Project:        "tests",
		Jobset:         "trunk",
		Job:            "job",
		DrvPath:        drvPath,
		Timestamp:      time.Unix(1700000000, 0),
		GlobalPriority: globalPriority,
		LocalPriority:  1,
	})
}

func (db *fakeDatabase) removeBuild(id BuildID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, row := range db.queued {
		if row.ID == id {
			db.queued = append(db.queued[:i], db.queued[i+1:]...)
			return
		}
	}
}

func (db *fakeDatabase) setGlobalPriority(id BuildID, prio int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.queued {
		if db.queued[i].ID == id {
			db.queued[i].GlobalPriority = prio
		}
	}
}

func (db *fakeDatabase) setQueuedError(err error) {
	db.mu.Lock()
	db.queuedErr = err
	db.mu.Unlock()
}

func (db *fakeDatabase) QueuedBuildsAfter(ctx context.Context, after BuildID) ([]BuildRow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queuedAfterArgs = append(db.queuedAfterArgs, after)
	if db.queuedErr != nil {
		return nil, db.queuedErr
	}
	var rows []BuildRow
	for _, row := range db.queued {
		if row.ID > after {
			rows = append(rows, row)
		}
	}
	// globalPriority desc, id asc.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			a, b := &rows[j-1], &rows[j]
			if b.GlobalPriority > a.GlobalPriority ||
				(b.GlobalPriority == a.GlobalPriority && b.ID < a.ID) {
				*a, *b = *b, *a
			} else {
				break
			}
		}
	}
	return rows, nil
}

func (db *fakeDatabase) UnfinishedBuilds(ctx context.Context) (map[BuildID]int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unfinishedCalls++
	result := make(map[BuildID]int)
	for _, row := range db.queued {
		result[row.ID] = row.GlobalPriority
	}
	return result, nil
}

func (db *fakeDatabase) JobsetShares(ctx context.Context, project, jobset string) (int, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	shares, ok := db.jobsets[jobsetKey{project, jobset}]
	return shares, ok, nil
}

func (db *fakeDatabase) JobsetStepHistory(ctx context.Context, project, jobset string, since time.Time) ([]StepTiming, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []StepTiming
	for _, timing := range db.history[jobsetKey{project, jobset}] {
		if timing.StopTime.After(since) {
			result = append(result, timing)
		}
	}
	return result, nil
}

func (db *fakeDatabase) AbortBuild(ctx context.Context, id BuildID, errorMsg string, now time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.aborted = append(db.aborted, abortRecord{ID: id, ErrorMsg: errorMsg})
	db.removeQueuedLocked(id)
	return nil
}

func (db *fakeDatabase) FailBuildWithStep(ctx context.Context, build *Build, step *Step, buildStatus BuildStatus, stepStatus BuildStepStatus, isCachedBuild bool, now time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failed = append(db.failed, failRecord{
		ID:            build.ID,
		StepDrvPath:   step.DrvPath(),
		BuildStatus:   buildStatus,
		StepStatus:    stepStatus,
		IsCachedBuild: isCachedBuild,
	})
	db.removeQueuedLocked(build.ID)
	return nil
}

func (db *fakeDatabase) MarkSucceededBuild(ctx context.Context, build *Build, res *hearthstore.BuildOutput, isCachedBuild bool, startTime, stopTime time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.succeeded = append(db.succeeded, succeedRecord{
		ID:            build.ID,
		IsCachedBuild: isCachedBuild,
		ReleaseName:   res.ReleaseName,
	})
	db.removeQueuedLocked(build.ID)
	return nil
}

func (db *fakeDatabase) removeQueuedLocked(id BuildID) {
	for i, row := range db.queued {
		if row.ID == id {
			db.queued = append(db.queued[:i], db.queued[i+1:]...)
			return
		}
	}
}

func (db *fakeDatabase) HasCachedFailure(ctx context.Context, outputs []hearthstore.Path) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, path := range outputs {
		if db.failedPaths.Has(path) {
			return true, nil
		}
	}
	return false, nil
}

func (db *fakeDatabase) Listen(ctx context.Context, channels ...string) (Listener, error) {
	return &fakeListener{notify: db.notify}, nil
}

type fakeListener struct {
	notify chan []string
}

func (fl *fakeListener) Await(ctx context.Context) ([]string, error) {
	select {
	case channels := <-fl.notify:
		return channels, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (fl *fakeListener) Close() error {
	return nil
}

// runnableRecorder is a [Dispatcher] that records published steps.
type runnableRecorder struct {
	mu    sync.Mutex
	steps []*Step
}

func (r *runnableRecorder) MakeRunnable(step *Step) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *runnableRecorder) drvPaths() sets.Set[hearthstore.Path] {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make(sets.Set[hearthstore.Path])
	for _, step := range r.steps {
		paths.Add(step.DrvPath())
	}
	return paths
}

func (r *runnableRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// testMachine returns a machine that supports everything the tests queue.
func testMachine() *Machine {
	return &Machine{
		Name:              "localhost",
		Systems:           sets.New("x86_64-linux"),
		SupportedFeatures: sets.New("kvm", "big-parallel"),
		MaxJobs:           4,
		SpeedFactor:       1,
	}
}

type testEnv struct {
	state      *State
	db         *fakeDatabase
	store      *fakeStore
	dispatcher *runnableRecorder
	clock      *clockwork.FakeClock
}

func newTestEnv(t *testing.T, opts *Options) *testEnv {
	t.Helper()
	env := &testEnv{
		db:         newFakeDatabase(),
		store:      newFakeStore(),
		dispatcher: new(runnableRecorder),
		clock:      clockwork.NewFakeClockAt(time.Unix(1700005000, 0)),
	}
	if opts == nil {
		opts = new(Options)
	}
	if opts.Clock == nil {
		opts.Clock = env.clock
	}
	openStore := func(ctx context.Context) (hearthstore.Store, error) {
		return env.store, nil
	}
	env.state = New(env.db, openStore, env.dispatcher, opts)
	env.state.SetMachines([]*Machine{testMachine()})
	return env
}

// getQueuedBuilds runs one queue load against the fake store.
func (env *testEnv) getQueuedBuilds(ctx context.Context, t *testing.T, lastBuildID *BuildID) {
	t.Helper()
	if err := env.state.getQueuedBuilds(ctx, env.store, lastBuildID); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) build(id BuildID) *Build {
	env.state.buildsMu.Lock()
	defer env.state.buildsMu.Unlock()
	return env.state.builds[id]
}

func (env *testEnv) step(drvPath hearthstore.Path) *Step {
	env.state.stepsMu.Lock()
	defer env.state.stepsMu.Unlock()
	ptr, ok := env.state.steps[drvPath]
	if !ok {
		return nil
	}
	return ptr.Value()
}
