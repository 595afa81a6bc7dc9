// Package orchestrator runs sagas: ordered steps with compensations,
// interpreted by one generic executor. Progress is persisted after every step
// change so a crashed run resumes at the first unresolved step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

var (
	// ErrIndeterminate leaves the saga running with the current step in flight.
	// The caller must retry with the same idempotency key.
	ErrIndeterminate = errors.New("saga: step outcome is indeterminate")
	// ErrCancelled is returned when the caller cancelled before any side
	// effecting step committed. Nothing is compensated: the saga stays running
	// and the next run picks it up where it stopped.
	ErrCancelled = errors.New("saga: cancelled before any side effect committed")
	// ErrStepTimeout marks a forward error whose outcome is unknown and must be
	// reconciled before the step is failed.
	ErrStepTimeout = errors.New("saga: step timed out")
)

// DataFailureCode is the execution data key holding the classified failure cause
const DataFailureCode = "failure_code"

// Reconciliation is what a step found out about an attempt of unknown outcome
type Reconciliation int

const (
	ReconcileUnknown Reconciliation = iota
	ReconcileCommitted
	ReconcileNotApplied
)

// Action is a forward or compensating action. It may read and write exec.Data.
type Action func(ctx context.Context, exec *saga.Execution) error

// Step is one entry of a saga definition
type Step struct {
	Name       string
	Forward    Action
	Compensate Action // nil when the step has nothing to undo
	// Reconcile asks the external side what happened to an attempt that
	// timed out or was interrupted by a crash. With ReconcileNotApplied a
	// non-nil error is why the attempt did not apply; with any other outcome
	// it means reconciliation itself failed.
	Reconcile func(ctx context.Context, exec *saga.Execution) (Reconciliation, error)
	// Key derives the step's idempotency key, StepKey when nil.
	Key           func(exec *saga.Execution) string
	SideEffecting bool
	BestEffort    bool // failures are logged and the step still commits
}

// Definition is a named, ordered list of steps
type Definition struct {
	Name  string
	Steps []Step
	// OnFailure runs once compensation finished, e.g. to drive an aggregate to
	// its failed state.
	OnFailure func(ctx context.Context, exec *saga.Execution, cause error) error
	// Classify maps a forward failure to a code stored under DataFailureCode.
	Classify func(err error) string
}

func (d Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

func (d Definition) sideEffecting() map[string]bool {
	set := make(map[string]bool)
	for _, s := range d.Steps {
		if s.SideEffecting {
			set[s.Name] = true
		}
	}
	return set
}

// StepKey is the default idempotency key of a step. It lives under
// idempotency.ReservedKeyPrefix so no caller key can collide with it.
func StepKey(sagaID uuid.UUID, step string) string {
	return idempotency.ReservedKeyPrefix + sagaID.String() + ":" + step
}

// Registry gates step execution by key
type Registry interface {
	BeginOrReplay(ctx context.Context, key, fingerprint string) (*idempotency.Claim, error)
	Complete(ctx context.Context, key string, result any) error
	Fail(ctx context.Context, key string, result any) error
}

// stepResult is stored against a step key and merged back on replay
type stepResult struct {
	Data  map[string]string `json:"data,omitempty"`
	Error string            `json:"error,omitempty"`
}

// stepFailure carries a forward failure to the compensation path
type stepFailure struct {
	cause error
}

func (e stepFailure) Error() string { return e.cause.Error() }

type Orchestrator struct {
	repo     saga.Repository
	registry Registry
	alarmer  saga.Alarmer
	cfg      config.SagaConfig
	logger   *slog.Logger
	now      func() time.Time
}

func New(repo saga.Repository, registry Registry, alarmer saga.Alarmer, cfg config.SagaConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		registry: registry,
		alarmer:  alarmer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts or resumes the saga sagaID. A terminal execution is returned as
// is. The returned execution reflects the persisted progress even on error.
func (o *Orchestrator) Run(ctx context.Context, def Definition, sagaID uuid.UUID, idempotencyKey string, data map[string]string) (*saga.Execution, error) {
	exec, err := o.load(ctx, def, sagaID, idempotencyKey, data)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, nil
	}

	r := &run{
		o:      o,
		def:    def,
		exec:   exec,
		ctx:    ctx,
		logger: o.logger.With("saga_id", sagaID, "definition", def.Name),
	}
	if exec.SideEffectCommitted(def.sideEffecting()) {
		r.detach()
	}

	exec.Runs++
	if err := r.save(r.ctx); err != nil {
		return exec, err
	}
	r.logger.Info("Running saga", "status", exec.Status, "run", exec.Runs)

	if exec.Status == saga.StatusCompensating {
		return exec, r.fail(errors.New(exec.FailureReason))
	}
	return exec, r.forward()
}

func (o *Orchestrator) load(ctx context.Context, def Definition, sagaID uuid.UUID, idempotencyKey string, data map[string]string) (*saga.Execution, error) {
	exec, err := o.repo.Get(ctx, sagaID)
	switch {
	case err == nil:
		if exec.Definition != def.Name {
			return nil, fmt.Errorf("saga %s belongs to definition %s, not %s", sagaID, exec.Definition, def.Name)
		}
		return exec, nil
	case !errors.Is(err, saga.ErrExecutionNotFound{}):
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}

	exec = saga.NewExecution(sagaID, def.Name, idempotencyKey, def.StepNames(), data, o.now())
	if err := o.repo.Save(ctx, exec); err != nil {
		if errors.Is(err, saga.ErrVersionConflict{}) {
			return o.repo.Get(ctx, sagaID)
		}
		return nil, fmt.Errorf("failed to create saga %s: %w", sagaID, err)
	}
	return exec, nil
}

// run is the state of one Run call
type run struct {
	o        *Orchestrator
	def      Definition
	exec     *saga.Execution
	ctx      context.Context
	detached bool
	logger   *slog.Logger
}

// detach stops caller cancellation from reaching the remaining steps
func (r *run) detach() {
	if !r.detached {
		r.ctx = context.WithoutCancel(r.ctx)
		r.detached = true
	}
}

func (r *run) save(ctx context.Context) error {
	r.exec.UpdatedAt = r.o.now()
	if err := r.o.repo.Save(ctx, r.exec); err != nil {
		return fmt.Errorf("failed to save saga %s: %w", r.exec.SagaID, err)
	}
	return nil
}

func (r *run) forward() error {
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		rec := r.exec.Step(step.Name)
		if rec == nil {
			return fmt.Errorf("saga %s has no record for step %s", r.exec.SagaID, step.Name)
		}
		switch rec.Status {
		case saga.StepCommitted:
			continue
		case saga.StepFailed:
			return r.fail(errors.New(rec.Error))
		}

		if r.cancelled() {
			r.logger.Info("Saga cancelled before any side effect, leaving it running", "step", step.Name)
			return ErrCancelled
		}

		if err := r.runStep(step, rec); err != nil {
			var failure stepFailure
			if errors.As(err, &failure) {
				return r.fail(failure.cause)
			}
			return err
		}
	}

	r.exec.Status = saga.StatusCompleted
	if err := r.save(r.ctx); err != nil {
		return err
	}
	r.logger.Info("Saga completed")
	return nil
}

// cancelled reports whether the caller gave up while the saga could still be
// abandoned
func (r *run) cancelled() bool {
	return !r.detached && r.ctx.Err() != nil
}

func (r *run) stepKey(step *Step) string {
	if step.Key != nil {
		return step.Key(r.exec)
	}
	return StepKey(r.exec.SagaID, step.Name)
}

func (r *run) runStep(step *Step, rec *saga.StepRecord) error {
	key := r.stepKey(step)
	fingerprint := idempotency.FingerprintOf(r.def.Name, r.exec.SagaID.String(), step.Name)

	claim, err := r.o.registry.BeginOrReplay(r.ctx, key, fingerprint)
	if errors.Is(err, idempotency.ErrInFlight) {
		r.logger.Warn("Step is in flight elsewhere", "step", step.Name)
		return fmt.Errorf("%w: step %s: %v", ErrIndeterminate, step.Name, err)
	}
	if err != nil {
		return fmt.Errorf("failed to gate step %s: %w", step.Name, err)
	}

	switch claim.Outcome {
	case idempotency.ClaimReplayed:
		return r.replay(step, rec, claim.Record)
	case idempotency.ClaimRecovered:
		if step.Reconcile != nil {
			r.logger.Warn("Reconciling interrupted step", "step", step.Name)
			return r.reconcile(step, rec, key, errors.New("interrupted attempt"))
		}
	}
	return r.execute(step, rec, key)
}

func (r *run) replay(step *Step, rec *saga.StepRecord, stored *idempotency.Record) error {
	var result stepResult
	if err := stored.DecodeResult(&result); err != nil && !errors.Is(err, idempotency.ErrEmptyResult) {
		return fmt.Errorf("failed to decode stored result of step %s: %w", step.Name, err)
	}

	if stored.Status == idempotency.StatusFailed {
		rec.Status = saga.StepFailed
		rec.Error = result.Error
		return stepFailure{cause: errors.New(result.Error)}
	}

	for k, v := range result.Data {
		r.exec.Data[k] = v
	}
	return r.markCommitted(step, rec, "")
}

func (r *run) execute(step *Step, rec *saga.StepRecord, key string) error {
	rec.Status = saga.StepInFlight
	rec.Attempts++
	rec.Error = ""
	if err := r.save(r.ctx); err != nil {
		return err
	}

	stepCtx, cancel := r.stepContext()
	err := step.Forward(stepCtx, r.exec)
	timedOut := errors.Is(err, ErrStepTimeout) || (err != nil && stepCtx.Err() == context.DeadlineExceeded && r.ctx.Err() == nil)
	cancel()

	switch {
	case err == nil:
		return r.commit(step, rec, key, "")
	case !step.SideEffecting && r.cancelled():
		// the step and its key stay in flight, a later run re-executes it
		r.logger.Info("Step interrupted by cancellation", "step", step.Name, "error", err)
		return fmt.Errorf("%w: step %s: %v", ErrCancelled, step.Name, err)
	case errors.Is(err, ErrIndeterminate):
		r.logger.Warn("Step outcome indeterminate", "step", step.Name, "error", err)
		return err
	case timedOut && step.Reconcile != nil:
		r.logger.Warn("Step timed out, reconciling", "step", step.Name, "error", err)
		return r.reconcile(step, rec, key, err)
	case step.BestEffort:
		r.logger.Warn("Best effort step failed", "step", step.Name, "error", err)
		return r.commit(step, rec, key, err.Error())
	}
	return r.failStep(step, rec, key, err)
}

func (r *run) stepContext() (context.Context, context.CancelFunc) {
	return r.bounded(r.ctx)
}

// bounded limits one call into a step action to StepTimeout
func (r *run) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.o.cfg.StepTimeout > 0 {
		return context.WithTimeout(ctx, r.o.cfg.StepTimeout)
	}
	return context.WithCancel(ctx)
}

// reconcile settles an attempt of unknown outcome. It never re-executes.
func (r *run) reconcile(step *Step, rec *saga.StepRecord, key string, cause error) error {
	ctx, cancel := r.stepContext()
	outcome, err := step.Reconcile(ctx, r.exec)
	cancel()

	if outcome == ReconcileNotApplied {
		if err != nil {
			cause = err
		}
		r.logger.Info("Reconciliation found step not applied", "step", step.Name, "cause", cause)
		return r.failStep(step, rec, key, cause)
	}
	if err != nil {
		r.logger.Warn("Reconciliation failed", "step", step.Name, "error", err)
		return fmt.Errorf("%w: step %s: reconciliation failed: %v", ErrIndeterminate, step.Name, err)
	}
	if outcome == ReconcileCommitted {
		r.logger.Info("Reconciliation found step committed", "step", step.Name)
		return r.commit(step, rec, key, "")
	}
	return fmt.Errorf("%w: step %s", ErrIndeterminate, step.Name)
}

func (r *run) commit(step *Step, rec *saga.StepRecord, key, stepErr string) error {
	if err := r.o.registry.Complete(r.ctx, key, stepResult{Data: r.exec.Data}); err != nil {
		r.logger.Warn("Failed to complete step key", "step", step.Name, "error", err)
	}
	return r.markCommitted(step, rec, stepErr)
}

func (r *run) markCommitted(step *Step, rec *saga.StepRecord, stepErr string) error {
	at := r.o.now()
	rec.Status = saga.StepCommitted
	rec.CommittedAt = &at
	rec.Error = stepErr
	if step.SideEffecting {
		r.detach()
	}
	if err := r.save(r.ctx); err != nil {
		return err
	}
	r.logger.Debug("Step committed", "step", step.Name)
	return nil
}

func (r *run) failStep(step *Step, rec *saga.StepRecord, key string, cause error) error {
	r.logger.Error("Step failed", "step", step.Name, "error", cause)
	rec.Status = saga.StepFailed
	rec.Error = cause.Error()
	r.exec.FailureReason = cause.Error()
	if r.def.Classify != nil {
		r.exec.Data[DataFailureCode] = r.def.Classify(cause)
	}
	if err := r.o.registry.Fail(context.WithoutCancel(r.ctx), key, stepResult{Error: cause.Error()}); err != nil {
		r.logger.Warn("Failed to record step failure", "step", step.Name, "error", err)
	}
	return stepFailure{cause: cause}
}

func (r *run) retryPolicy() []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.o.cfg.CompensationInitialBackoff
	policy.MaxInterval = r.o.cfg.CompensationMaxBackoff
	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(r.o.cfg.CompensationMaxAttempts, 1))),
	}
}

// fail compensates committed steps in reverse order, then runs OnFailure.
// It is resumable: compensated steps are skipped on the next run.
func (r *run) fail(cause error) error {
	ctx := context.WithoutCancel(r.ctx)
	r.exec.Status = saga.StatusCompensating
	if r.exec.FailureReason == "" {
		r.exec.FailureReason = cause.Error()
	}
	if err := r.save(ctx); err != nil {
		return err
	}

	var exhausted []string
	for i := len(r.def.Steps) - 1; i >= 0; i-- {
		step := &r.def.Steps[i]
		rec := r.exec.Step(step.Name)
		switch rec.Status {
		case saga.StepCommitted, saga.StepCompensating, saga.StepCompensationFailed:
		default:
			continue
		}

		if err := r.compensate(ctx, step, rec); err != nil {
			exhausted = append(exhausted, step.Name)
		}
		if err := r.save(ctx); err != nil {
			return err
		}
	}

	if r.def.OnFailure != nil {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, r.def.OnFailure(ctx, r.exec, cause)
		}, r.retryPolicy()...)
		if err != nil {
			r.logger.Error("Failed to record saga failure, leaving it for recovery", "error", err)
			if saveErr := r.save(ctx); saveErr != nil {
				return saveErr
			}
			return fmt.Errorf("saga %s: failed to record failure: %w", r.exec.SagaID, err)
		}
	}

	if len(exhausted) > 0 {
		r.exec.Status = saga.StatusCompensationFailed
		if err := r.save(ctx); err != nil {
			return err
		}
		r.raise(ctx, exhausted)
		return saga.CompensationExhaustedError{SagaID: r.exec.SagaID, Steps: exhausted, Err: cause}
	}

	r.exec.Status = saga.StatusFailed
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logger.Info("Saga failed and compensated", "cause", cause)
	return nil
}

func (r *run) compensate(ctx context.Context, step *Step, rec *saga.StepRecord) error {
	if step.Compensate != nil {
		rec.Status = saga.StepCompensating
		if err := r.save(ctx); err != nil {
			return err
		}

		opts := append(r.retryPolicy(), backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Compensation failed, retrying", "step", step.Name, "retry_in", next, "error", err)
		}))
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attemptCtx, cancel := r.bounded(ctx)
			defer cancel()
			return struct{}{}, step.Compensate(attemptCtx, r.exec)
		}, opts...)
		if err != nil {
			r.logger.Error("Compensation exhausted", "step", step.Name, "error", err)
			rec.Status = saga.StepCompensationFailed
			rec.Error = err.Error()
			return err
		}
	}

	at := r.o.now()
	rec.Status = saga.StepCompensated
	rec.CompensatedAt = &at
	r.logger.Info("Step compensated", "step", step.Name)
	return nil
}

func (r *run) raise(ctx context.Context, steps []string) {
	alarm := saga.Alarm{
		Kind:           saga.AlarmCompensationExhausted,
		SagaID:         r.exec.SagaID,
		Definition:     r.exec.Definition,
		IdempotencyKey: r.exec.IdempotencyKey,
		Steps:          steps,
		Error:          r.exec.FailureReason,
		RaisedAt:       r.o.now(),
	}
	if err := r.o.alarmer.Raise(ctx, alarm); err != nil {
		r.logger.Error("Failed to deliver alarm", "kind", alarm.Kind, "error", err)
	}
}
