// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/noldarim/shipyard/internal/pipeline"

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "pipeline").Logger()
		log = &l
	})
	return log
}

// Recorder persists run snapshots. SaveRun is called after every state change.
type Recorder interface {
	SaveRun(ctx context.Context, run *Run) error
}

// StageRecorder is implemented by recorders that can write the run row with
// only some of its stages. Stage transitions use it so stage logs that did not
// change are not written again.
type StageRecorder interface {
	SaveRunStages(ctx context.Context, run *Run, indexes ...int) error
}

// RunSource reads persisted runs. A Recorder that also implements RunSource
// lets the orchestrator answer for runs it does not hold in memory and resume
// runs after a restart.
type RunSource interface {
	LoadRun(ctx context.Context, id string) (*Run, error)
	ListRunsFiltered(ctx context.Context, f RunFilter) ([]*Run, error)
}

// Dispatcher drives accepted runs to completion by calling Advance until it
// reports done.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) error
}

// Options configures an Orchestrator.
type Options struct {
	Pipeline *Pipeline
	// Secrets resolves SecretNames when a run starts. Required when the
	// pipeline has an authenticate or publish stage.
	Secrets     SecretResolver
	SecretNames []string
	Recorder    Recorder
	// Events receives lifecycle events. Sends never block; a full channel
	// drops the event.
	Events chan<- protocol.Event
	// Dispatcher defaults to one goroutine per run.
	Dispatcher Dispatcher
	Now        func() time.Time
	NewID      func() string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Orchestrator creates runs from trigger events and advances them through
// the pipeline's stages.
type Orchestrator struct {
	pipeline    *Pipeline
	secrets     SecretResolver
	secretNames []string
	recorder    Recorder
	source      RunSource
	events      chan<- protocol.Event
	dispatcher  Dispatcher
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string

	mu   sync.RWMutex
	runs map[string]*runState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type runState struct {
	mu  sync.Mutex
	run Run

	secrets  Secrets
	redactor *Redactor
	artifact *ArtifactReference
	session  RegistrySession

	cancelRequested bool
	advancing       bool
	interrupt       context.CancelFunc
	current         *StageLog

	span      trace.Span
	done      chan struct{}
	cleanOnce sync.Once
	log       zerolog.Logger
}

func newRunState(run Run) *runState {
	st := &runState{
		run:      run,
		redactor: NewRedactor(),
		done:     make(chan struct{}),
		log:      logger.WithRun(*getLog(), run.ID, run.Event.Branch, run.Event.Commit),
	}
	if run.Status.IsTerminal() {
		close(st.done)
	}
	return st
}

// snapshot must be called with mu held.
func (st *runState) snapshot() Run {
	snap := st.run.Clone()
	if st.current != nil {
		for i := range snap.Stages {
			if snap.Stages[i].Status == StageStatusRunning {
				snap.Stages[i].Log = st.current.Lines()
			}
		}
	}
	return snap
}

// New builds an Orchestrator for a compiled pipeline.
func New(opts Options) (*Orchestrator, error) {
	if opts.Pipeline == nil || len(opts.Pipeline.Stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no stages", ErrInvalidDefinition)
	}
	if opts.Pipeline.needsRegistry && opts.Secrets == nil {
		return nil, errors.New("pipeline publishes to a registry but no secret resolver was given")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		pipeline:    opts.Pipeline,
		secrets:     opts.Secrets,
		secretNames: opts.SecretNames,
		recorder:    opts.Recorder,
		events:      opts.Events,
		dispatcher:  opts.Dispatcher,
		now:         opts.Now,
		newID:       opts.NewID,
		runs:        make(map[string]*runState),
		ctx:         ctx,
		cancel:      cancel,
	}
	if src, ok := opts.Recorder.(RunSource); ok {
		o.source = src
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer(tracerName)
	if o.dispatcher == nil {
		o.dispatcher = &localDispatcher{o: o}
	}
	return o, nil
}

// Pipeline returns the compiled pipeline the orchestrator runs.
func (o *Orchestrator) Pipeline() *Pipeline { return o.pipeline }

// SetDispatcher replaces the dispatcher. It must be called before Submit.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatcher = d }

// Submit validates ev against the trigger filter and, if it matches, creates
// a pending run and hands it to the dispatcher. A rejected event returns an
// *InvalidEventError and has no side effects.
func (o *Orchestrator) Submit(ctx context.Context, ev TriggerEvent) (*RunHandle, error) {
	if err := o.pipeline.Accepts(ev); err != nil {
		getLog().Info().Str("branch", ev.Branch).Str("commit", ev.Commit).Err(err).Msg("Trigger rejected")
		return nil, err
	}

	run := Run{
		ID:        o.newID(),
		Pipeline:  o.pipeline.Name,
		Event:     ev,
		Status:    RunStatusPending,
		CreatedAt: o.now(),
		Stages:    make([]StageResult, len(o.pipeline.Stages)),
	}
	for i, s := range o.pipeline.Stages {
		run.Stages[i] = StageResult{Name: s.Spec.Name, Kind: s.Spec.Kind, Index: i, Status: StageStatusPending}
	}

	st := newRunState(run)
	secretErr := o.resolveSecrets(ctx, st)

	o.mu.Lock()
	o.runs[run.ID] = st
	o.mu.Unlock()

	st.mu.Lock()
	events := []protocol.Event{o.runEvent(st, protocol.RunCreated)}
	if secretErr != nil {
		events = append(events, o.finishLocked(st, RunStatusFailed, Fail(KindSecret, secretErr))...)
	}
	snap := st.snapshot()
	st.mu.Unlock()
	o.after(ctx, st, &snap, events)

	st.log.Info().Str("pipeline", run.Pipeline).Msg("Run created")

	handle := &RunHandle{ID: run.ID, o: o, st: st}
	if secretErr != nil {
		return handle, nil
	}

	if err := o.dispatcher.Dispatch(ctx, run.ID); err != nil {
		st.mu.Lock()
		var events []protocol.Event
		if !st.run.Status.IsTerminal() {
			events = o.finishLocked(st, RunStatusFailed, fmt.Errorf("dispatch: %w", err))
		}
		snap := st.snapshot()
		st.mu.Unlock()
		o.after(ctx, st, &snap, events)
		return handle, fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}
	return handle, nil
}

func (o *Orchestrator) resolveSecrets(ctx context.Context, st *runState) error {
	if !o.pipeline.needsRegistry {
		return nil
	}
	secrets, err := ResolveSecrets(ctx, o.secrets, o.secretNames)
	if err != nil {
		st.log.Warn().Err(err).Msg("Secret resolution failed")
		return err
	}
	st.secrets = secrets
	st.redactor = secrets.Redactor()
	return nil
}

// Advance executes the next stage of runID and reports whether the run is
// now terminal. Stage failures are recorded on the run, not returned; the
// error is reserved for runs that cannot be advanced at all.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (bool, error) {
	st, err := o.state(ctx, runID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	if st.run.Status.IsTerminal() {
		st.mu.Unlock()
		return true, nil
	}
	if st.advancing {
		st.mu.Unlock()
		return false, ErrRunBusy
	}

	var events []protocol.Event
	if st.run.Status == RunStatusPending {
		now := o.now()
		st.run.Status = RunStatusRunning
		st.run.StartedAt = &now
		_, st.span = o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
			attribute.String("run.id", st.run.ID),
			attribute.String("run.pipeline", st.run.Pipeline),
			attribute.String("run.branch", st.run.Event.Branch),
			attribute.String("run.commit", st.run.Event.Commit),
		))
		st.log.Info().Msg("Run started")
	}

	if st.cancelRequested || ctx.Err() != nil {
		events = append(events, o.finishLocked(st, RunStatusCancelled, nil)...)
		snap := st.snapshot()
		st.mu.Unlock()
		o.after(ctx, st, &snap, events)
		return true, nil
	}

	idx := st.run.nextPending()
	if idx < 0 {
		events = append(events, o.finishLocked(st, RunStatusSucceeded, nil)...)
		snap := st.snapshot()
		st.mu.Unlock()
		o.after(ctx, st, &snap, events)
		return true, nil
	}

	stage := o.pipeline.Stages[idx]
	res := &st.run.Stages[idx]
	started := o.now()
	res.Status = StageStatusRunning
	res.StartedAt = &started

	stageLog := NewStageLog(st.redactor)
	sc := &StageContext{
		RunID:      st.run.ID,
		Event:      st.run.Event,
		Spec:       stage.Spec,
		Index:      idx,
		SourcePath: st.run.SourcePath,
		Artifact:   cloneArtifact(st.artifact),
		Session:    st.session,
		Secrets:    st.secrets,
		Log:        stageLog,
	}

	parent := ctx
	if st.span != nil {
		parent = trace.ContextWithSpan(ctx, st.span)
	}
	spanCtx, span := o.tracer.Start(parent, "pipeline.stage", trace.WithAttributes(
		attribute.String("run.id", st.run.ID),
		attribute.String("stage.name", stage.Spec.Name),
		attribute.String("stage.kind", string(stage.Spec.Kind)),
		attribute.Int("stage.index", idx),
	))
	// A stage that cannot be interrupted ignores the caller's cancellation;
	// only its deadline stops it.
	i, ok := stage.Executor.(Interruptible)
	interruptible := ok && i.SupportsInterrupt()
	base := spanCtx
	if !interruptible {
		base = context.WithoutCancel(spanCtx)
	}
	timeoutCtx, cancelTimeout := base, context.CancelFunc(func() {})
	if stage.Timeout > 0 {
		timeoutCtx, cancelTimeout = context.WithTimeout(base, stage.Timeout)
	}
	stageCtx, interrupt := context.WithCancel(timeoutCtx)
	if interruptible {
		st.interrupt = interrupt
	}
	st.advancing = true
	st.current = stageLog

	events = append(events, o.stageEvent(st, idx, protocol.RunStageStarted))
	snap := st.snapshot()
	st.mu.Unlock()
	o.after(ctx, st, &snap, events, idx)

	stageLogger := st.log.With().Str("stage", stage.Spec.Name).Int("stage_index", idx).Logger()
	stageLogger.Info().Dur("timeout", stage.Timeout).Msg("Stage started")

	outcome, execErr := o.execute(stageCtx, stage, sc, stageLogger)
	ctxErr := stageCtx.Err()
	interrupt()
	cancelTimeout()
	_ = stageLog.Close()

	st.mu.Lock()
	st.advancing = false
	st.interrupt = nil
	st.current = nil
	events = nil

	ended := o.now()
	res.EndedAt = &ended
	res.Log = stageLog.Lines()
	res.ExitCode = outcome.ExitCode

	if execErr != nil {
		stageErr := o.classify(execErr, ctxErr, stage)
		res.Status = StageStatusFailed
		res.ErrorKind = stageErr.Kind
		res.Error = st.redactor.RedactError(stageErr)
		if stageErr.ExitCode != 0 {
			res.ExitCode = stageErr.ExitCode
		}
		span.SetStatus(codes.Error, string(stageErr.Kind))
		endStageSpan(span, res)
		stageLogger.Warn().Str("error_kind", string(stageErr.Kind)).Str("error", res.Error).Msg("Stage failed")

		events = append(events, o.stageEvent(st, idx, protocol.RunStageFailed))
		final := RunStatusFailed
		if stageErr.Kind == KindCancelled {
			final = RunStatusCancelled
		}
		events = append(events, o.finishLocked(st, final, stageErr)...)
	} else {
		res.Status = StageStatusSucceeded
		o.applyOutcome(st, res, outcome)
		span.SetStatus(codes.Ok, "")
		endStageSpan(span, res)
		stageLogger.Info().Dur("duration", res.Duration()).Msg("Stage succeeded")

		events = append(events, o.stageEvent(st, idx, protocol.RunStageSucceeded))
		switch {
		case st.cancelRequested:
			events = append(events, o.finishLocked(st, RunStatusCancelled, nil)...)
		case st.run.nextPending() < 0:
			events = append(events, o.finishLocked(st, RunStatusSucceeded, nil)...)
		}
	}

	done := st.run.Status.IsTerminal()
	snap = st.snapshot()
	st.mu.Unlock()
	// Finishing the run may skip later stages, so a terminal run is saved whole.
	var changed []int
	if !done {
		changed = []int{idx}
	}
	o.after(ctx, st, &snap, events, changed...)
	return done, nil
}

// execute runs the executor, converting panics into unexpected faults. When
// the stage deadline passes the executor is abandoned; on cancellation it is
// waited for.
func (o *Orchestrator) execute(ctx context.Context, stage Stage, sc *StageContext, l zerolog.Logger) (Outcome, error) {
	type result struct {
		out Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Stage executor panicked")
				ch <- result{err: Failf(KindUnexpectedFault, "executor panicked: %v", r)}
			}
		}()
		out, err := stage.Executor.Execute(ctx, sc)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			select {
			case r := <-ch:
				return r.out, r.err
			default:
			}
			return Outcome{}, context.DeadlineExceeded
		}
		r := <-ch
		return r.out, r.err
	}
}

// endStageSpan closes a stage span. It runs before the run span ends.
func endStageSpan(span trace.Span, res *StageResult) {
	span.SetAttributes(attribute.String("stage.status", res.Status.String()))
	span.End()
}

// classify maps an executor error onto a StageError. Context expiry wins over
// whatever the executor reported since it is the root cause.
func (o *Orchestrator) classify(err, ctxErr error, stage Stage) *StageError {
	var se *StageError
	if !errors.As(err, &se) {
		se = Fail(KindOf(err), err)
	} else {
		cp := *se
		se = &cp
	}

	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		se = &StageError{Kind: KindTimeout, ExitCode: se.ExitCode, Err: fmt.Errorf("exceeded %s: %w", stage.Timeout, err)}
	case errors.Is(ctxErr, context.Canceled):
		se = &StageError{Kind: KindCancelled, ExitCode: se.ExitCode, Err: err}
	}
	se.Stage = stage.Spec.Name
	return se
}

// applyOutcome must be called with st.mu held.
func (o *Orchestrator) applyOutcome(st *runState, res *StageResult, out Outcome) {
	if out.SourcePath != "" {
		st.run.SourcePath = out.SourcePath
	}
	if out.Artifact != nil && !out.Artifact.IsZero() {
		res.Artifact = cloneArtifact(out.Artifact)
		st.artifact = cloneArtifact(out.Artifact)
		st.run.Artifact = cloneArtifact(out.Artifact)
	}
	if out.Session != nil {
		st.session = out.Session
	}
}

// finishLocked moves the run to a terminal status, skipping every stage that
// has not run. Must be called with st.mu held.
func (o *Orchestrator) finishLocked(st *runState, status RunStatus, cause error) []protocol.Event {
	var events []protocol.Event
	for i := range st.run.Stages {
		if st.run.Stages[i].Status == StageStatusPending {
			st.run.Stages[i].Status = StageStatusSkipped
			events = append(events, o.stageEvent(st, i, protocol.RunStageSkipped))
		}
	}

	now := o.now()
	st.run.Status = status
	st.run.EndedAt = &now
	switch {
	case cause != nil:
		st.run.Error = st.redactor.RedactError(cause)
	case status == RunStatusCancelled:
		st.run.Error = "cancelled"
	}

	st.secrets = Secrets{}
	st.session = nil

	if st.span != nil {
		st.span.SetAttributes(attribute.String("run.status", status.String()))
		if status == RunStatusSucceeded {
			st.span.SetStatus(codes.Ok, "")
		} else {
			st.span.SetStatus(codes.Error, st.run.Error)
		}
		st.span.End()
		st.span = nil
	}
	close(st.done)

	typ := protocol.RunSucceeded
	switch status {
	case RunStatusFailed:
		typ = protocol.RunFailed
	case RunStatusCancelled:
		typ = protocol.RunCancelled
	}
	events = append(events, o.runEvent(st, typ))

	if status == RunStatusSucceeded {
		st.log.Info().Str("status", status.String()).Msg("Run finished")
	} else {
		st.log.Warn().Str("status", status.String()).Str("error", st.run.Error).Msg("Run finished")
	}
	return events
}

// after persists snap, publishes events and, once the run is terminal, lets
// executors release per-run resources. When changed lists stage indexes only
// those stages are persisted with the run row. Called without st.mu held.
func (o *Orchestrator) after(ctx context.Context, st *runState, snap *Run, events []protocol.Event, changed ...int) {
	ctx = context.WithoutCancel(ctx)
	if o.recorder != nil {
		if err := o.save(ctx, snap, changed); err != nil {
			st.log.Error().Err(err).Msg("Failed to persist run")
		}
	}
	o.publish(events...)

	if snap.Status.IsTerminal() {
		st.cleanOnce.Do(func() { o.cleanup(ctx, snap.ID) })
	}
}

func (o *Orchestrator) save(ctx context.Context, snap *Run, changed []int) error {
	if sr, ok := o.recorder.(StageRecorder); ok && len(changed) > 0 {
		return sr.SaveRunStages(ctx, snap, changed...)
	}
	return o.recorder.SaveRun(ctx, snap)
}

func (o *Orchestrator) cleanup(ctx context.Context, runID string) {
	for _, s := range o.pipeline.Stages {
		c, ok := s.Executor.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx, runID); err != nil {
			getLog().Warn().Err(err).Str("run_id", runID).Str("stage", s.Spec.Name).Msg("Stage cleanup failed")
		}
	}
}

func (o *Orchestrator) publish(events ...protocol.Event) {
	if o.events == nil {
		return
	}
	for _, ev := range events {
		select {
		case o.events <- ev:
		default:
			getLog().Warn().Str("idempotency_key", protocol.GetIdempotencyKey(ev)).Msg("Event channel full, dropping event")
		}
	}
}

func (o *Orchestrator) runEvent(st *runState, typ protocol.RunLifecycleType) protocol.RunLifecycleEvent {
	ev := protocol.RunLifecycleEvent{
		Metadata: protocol.Metadata{
			RunID:          st.run.ID,
			IdempotencyKey: protocol.IdempotencyKeyFor(st.run.ID, typ, -1),
			Version:        protocol.CurrentProtocolVersion,
		},
		Type:       typ,
		RunID:      st.run.ID,
		Pipeline:   st.run.Pipeline,
		Branch:     st.run.Event.Branch,
		Commit:     st.run.Event.Commit,
		RunStatus:  st.run.Status.String(),
		StageIndex: -1,
		Error:      st.run.Error,
		Timestamp:  o.now(),
	}
	if st.run.Artifact != nil {
		ev.Artifact = st.run.Artifact.String()
	}
	return ev
}

func (o *Orchestrator) stageEvent(st *runState, idx int, typ protocol.RunLifecycleType) protocol.RunLifecycleEvent {
	res := st.run.Stages[idx]
	ev := o.runEvent(st, typ)
	ev.IdempotencyKey = protocol.IdempotencyKeyFor(st.run.ID, typ, idx)
	ev.StageName = res.Name
	ev.StageIndex = idx
	ev.StageStatus = res.Status.String()
	ev.ExitCode = res.ExitCode
	ev.ErrorKind = string(res.ErrorKind)
	ev.Error = res.Error
	ev.Artifact = ""
	if res.Artifact != nil {
		ev.Artifact = res.Artifact.String()
	}
	return ev
}

// state returns the in-memory state for runID, loading it from the run
// source when this process has not seen it yet.
func (o *Orchestrator) state(ctx context.Context, runID string) (*runState, error) {
	o.mu.RLock()
	st := o.runs[runID]
	o.mu.RUnlock()
	if st != nil {
		return st, nil
	}
	if o.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run, err := o.source.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Pipeline != o.pipeline.Name || len(run.Stages) != len(o.pipeline.Stages) {
		return nil, fmt.Errorf("run %s belongs to pipeline %q, not %q", runID, run.Pipeline, o.pipeline.Name)
	}

	st = newRunState(*run)
	var events []protocol.Event
	if !run.Status.IsTerminal() {
		events = o.resume(ctx, st)
	}

	o.mu.Lock()
	if existing := o.runs[runID]; existing != nil {
		o.mu.Unlock()
		return existing, nil
	}
	o.runs[runID] = st
	o.mu.Unlock()

	if len(events) > 0 {
		st.mu.Lock()
		snap := st.snapshot()
		st.mu.Unlock()
		o.after(ctx, st, &snap, events)
	}
	return st, nil
}

// resume rebuilds the run context of a persisted run. A stage that was
// running when its process went away cannot be resumed and fails the run.
func (o *Orchestrator) resume(ctx context.Context, st *runState) []protocol.Event {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.log.Info().Msg("Resuming persisted run")
	for i := range st.run.Stages {
		res := &st.run.Stages[i]
		if res.Status == StageStatusSucceeded && res.Artifact != nil {
			st.artifact = cloneArtifact(res.Artifact)
		}
		if res.Status == StageStatusRunning {
			now := o.now()
			res.Status = StageStatusFailed
			res.EndedAt = &now
			res.ErrorKind = KindUnexpectedFault
			res.Error = "stage was interrupted by a worker restart"
			events := []protocol.Event{o.stageEvent(st, i, protocol.RunStageFailed)}
			return append(events, o.finishLocked(st, RunStatusFailed, Failf(KindUnexpectedFault, "stage %s was interrupted", res.Name))...)
		}
	}

	if err := o.resolveSecrets(ctx, st); err != nil {
		return o.finishLocked(st, RunStatusFailed, Fail(KindSecret, err))
	}
	return nil
}

// Cancel requests cancellation of a run. A run between stages is cancelled
// immediately; a running stage is interrupted if its executor supports it and
// otherwise allowed to finish, after which no further stage starts.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.RLock()
	st := o.runs[runID]
	o.mu.RUnlock()

	if st == nil {
		run, err := o.Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return ErrRunTerminal
		}
		return o.dispatcher.Cancel(ctx, runID)
	}

	st.mu.Lock()
	if st.run.Status.IsTerminal() {
		st.mu.Unlock()
		return ErrRunTerminal
	}
	st.cancelRequested = true
	var events []protocol.Event
	switch {
	case !st.advancing:
		events = o.finishLocked(st, RunStatusCancelled, errors.New("cancelled by request"))
	case st.interrupt != nil:
		st.log.Info().Msg("Interrupting running stage")
		st.interrupt()
	default:
		st.log.Info().Msg("Cancellation requested; current stage will finish first")
	}
	snap := st.snapshot()
	st.mu.Unlock()
	o.after(ctx, st, &snap, events)

	if err := o.dispatcher.Cancel(ctx, runID); err != nil {
		st.log.Warn().Err(err).Msg("Dispatcher cancel failed")
	}
	return nil
}

// Get returns a snapshot of runID.
func (o *Orchestrator) Get(ctx context.Context, runID string) (Run, error) {
	o.mu.RLock()
	st := o.runs[runID]
	o.mu.RUnlock()
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.snapshot(), nil
	}
	if o.source != nil {
		run, err := o.source.LoadRun(ctx, runID)
		if err != nil {
			return Run{}, fmt.Errorf("load run %s: %w", runID, err)
		}
		if run != nil {
			return *run, nil
		}
	}
	return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// List returns up to limit runs, newest first. limit <= 0 means all.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Run, error) {
	return o.ListFiltered(ctx, RunFilter{Limit: limit})
}

// ListFiltered returns the newest runs matching f. The filter is applied
// before the limit.
func (o *Orchestrator) ListFiltered(ctx context.Context, f RunFilter) ([]Run, error) {
	if o.source != nil {
		runs, err := o.source.ListRunsFiltered(ctx, f)
		if err != nil {
			return nil, err
		}
		out := make([]Run, 0, len(runs))
		for _, r := range runs {
			if live := o.overlay(*r); f.Matches(live) {
				out = append(out, live)
			}
		}
		return out, nil
	}

	o.mu.RLock()
	out := make([]Run, 0, len(o.runs))
	for _, st := range o.runs {
		st.mu.Lock()
		if snap := st.snapshot(); f.Matches(snap) {
			out = append(out, snap)
		}
		st.mu.Unlock()
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// overlay prefers the live in-memory state over a persisted copy.
func (o *Orchestrator) overlay(r Run) Run {
	o.mu.RLock()
	st := o.runs[r.ID]
	o.mu.RUnlock()
	if st == nil {
		return r
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot()
}

// Wait blocks until runID is terminal or ctx is done. Runs held by another
// process are polled through the run source.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (Run, error) {
	o.mu.RLock()
	st := o.runs[runID]
	o.mu.RUnlock()
	if st != nil {
		select {
		case <-st.done:
			return o.Get(ctx, runID)
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := o.Get(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
}

// Drive advances runID until it is terminal.
func (o *Orchestrator) Drive(ctx context.Context, runID string) error {
	for {
		done, err := o.Advance(ctx, runID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Resume loads a persisted run that has not finished and hands it back to
// the dispatcher. A run whose stage was interrupted is failed instead.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (Run, error) {
	st, err := o.state(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	st.mu.Lock()
	snap := st.snapshot()
	st.mu.Unlock()
	if snap.Status.IsTerminal() {
		return snap, nil
	}
	if err := o.dispatcher.Dispatch(ctx, runID); err != nil {
		return snap, fmt.Errorf("dispatch run %s: %w", runID, err)
	}
	return snap, nil
}

// Close cancels runs driven by the local dispatcher and waits for them to
// settle, or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunHandle refers to a run accepted by Submit.
type RunHandle struct {
	ID string
	o  *Orchestrator
	st *runState
}

// Done is closed when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.st.done }

// Snapshot returns the current state of the run.
func (h *RunHandle) Snapshot() Run {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	return h.st.snapshot()
}

// Wait blocks until the run is terminal.
func (h *RunHandle) Wait(ctx context.Context) (Run, error) {
	select {
	case <-h.st.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

type localDispatcher struct {
	o *Orchestrator
}

func (d *localDispatcher) Dispatch(_ context.Context, runID string) error {
	d.o.wg.Add(1)
	go func() {
		defer d.o.wg.Done()
		if err := d.o.Drive(d.o.ctx, runID); err != nil {
			getLog().Error().Err(err).Str("run_id", runID).Msg("Run driver stopped")
		}
	}()
	return nil
}

func (d *localDispatcher) Cancel(context.Context, string) error { return nil }
