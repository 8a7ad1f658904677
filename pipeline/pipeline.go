package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// SuccessHook runs after every stage succeeded. It receives a redacted
// snapshot of the final context.
type SuccessHook func(snapshot map[string]string)

// FailureHook runs after a stage failed and rollback has completed. It
// receives a redacted context snapshot, the failing stage and the original
// error.
type FailureHook func(snapshot map[string]string, failedStage string, err error)

// Pipeline drives an ordered list of stages over one shared Context.
// Construct with New and execute with Run; a Pipeline is meant for exactly
// one run.
type Pipeline struct {
	lggr      *zap.SugaredLogger
	stages    []*Stage
	reporter  Reporter
	fallbacks map[string]string
	onSuccess SuccessHook
	onFailure FailureHook
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReporter replaces the default in-memory stage reporter.
func WithReporter(reporter Reporter) Option {
	return func(p *Pipeline) {
		p.reporter = reporter
	}
}

// WithFallback supplies externally configured default values consulted by
// Context.Resolve when no stage produced a key.
func WithFallback(values map[string]string) Option {
	return func(p *Pipeline) {
		p.fallbacks = values
	}
}

// WithOnSuccess sets the success hook.
func WithOnSuccess(hook SuccessHook) Option {
	return func(p *Pipeline) {
		p.onSuccess = hook
	}
}

// WithOnFailure sets the failure hook.
func WithOnFailure(hook FailureHook) Option {
	return func(p *Pipeline) {
		p.onFailure = hook
	}
}

// New creates a Pipeline from a static stage list. Stage names must be unique
// and every stage needs an action and a version.
func New(lggr *zap.SugaredLogger, stages []*Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline requires at least one stage")
	}

	seen := map[string]struct{}{}
	for _, s := range stages {
		if s.def.Name == "" {
			return nil, errors.New("stage name must not be empty")
		}
		if _, dup := seen[s.def.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", s.def.Name)
		}
		seen[s.def.Name] = struct{}{}

		if s.action == nil {
			return nil, fmt.Errorf("stage %q has no action", s.def.Name)
		}
		if s.def.Version == nil {
			return nil, fmt.Errorf("stage %q has no version", s.def.Name)
		}
	}

	p := &Pipeline{
		lggr:     lggr,
		stages:   stages,
		reporter: NewMemoryReporter(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run executes the stages strictly in declaration order and returns the final
// run report. On failure the returned error is the original triggering error;
// rollback outcomes are carried in the report only.
//
// An aborted parent context is treated as a failure of the stage in flight:
// already-succeeded stages are still compensated before Run returns.
func (p *Pipeline) Run(ctx context.Context) (RunReport, error) {
	runID := ksuid.New().String()
	start := time.Now()
	sc := NewContext(WithFallbackValues(p.fallbacks))

	p.lggr.Infow("Starting pipeline run", "runId", runID, "stages", len(p.stages))

	if stage, err := p.validateDataDependencies(sc); err != nil {
		p.lggr.Errorw("Data dependency validation failed", "runId", runID, "stage", stage, "error", err)

		return p.fail(ctx, runID, start, sc, nil, stage, err), err
	}

	var completed []*Stage
	for _, stage := range p.stages {
		if ctx.Err() != nil {
			err := fmt.Errorf("pipeline aborted before stage %s: %w", stage.Name(), ctx.Err())

			return p.fail(ctx, runID, start, sc, completed, stage.Name(), err), err
		}

		// Required keys are checked before the first invocation so a data
		// dependency failure never executes the action at all.
		if missing := p.missingRequirement(stage, sc); missing != nil {
			p.addStageReport(newStageReport(stage.def, 0, time.Now(), time.Now(), missing))

			return p.fail(ctx, runID, start, sc, completed, stage.Name(), missing), missing
		}

		p.lggr.Infow("Executing stage",
			"runId", runID, "stage", stage.Name(), "version", stage.Version(), "description", stage.Description())

		stageStart := time.Now()
		attempts, err := executeWithRetry(ctx, p.lggr, stage, sc)
		p.addStageReport(newStageReport(stage.def, attempts, stageStart, time.Now(), err))

		if err != nil {
			err = wrapStageError(stage.Name(), attempts, err)
			p.lggr.Errorw("Stage failed",
				"runId", runID, "stage", stage.Name(), "attempts", attempts, "category", Category(err), "error", err)

			return p.fail(ctx, runID, start, sc, completed, stage.Name(), err), err
		}

		completed = append(completed, stage)
	}

	report := p.assemble(runID, start, sc, StatusSuccess, "", nil, false, nil)
	p.lggr.Infow("Pipeline run succeeded", "runId", runID, "duration", time.Since(start))

	if p.onSuccess != nil {
		p.onSuccess(sc.Snapshot())
	}

	return report, nil
}

// fail compensates the already-succeeded stages in reverse completion order,
// dispatches the failure hook and assembles the failed run report.
func (p *Pipeline) fail(
	ctx context.Context, runID string, start time.Time, sc *Context,
	completed []*Stage, failedStage string, origErr error,
) RunReport {
	rollbacks, attempted := p.rollback(ctx, runID, completed, sc)

	report := p.assemble(runID, start, sc, StatusFailed, failedStage, origErr, attempted, rollbacks)
	p.lggr.Errorw("Pipeline run failed",
		"runId", runID, "stage", failedStage, "category", Category(origErr),
		"rollbackAttempted", attempted, "error", origErr)

	if p.onFailure != nil {
		p.onFailure(sc.Snapshot(), failedStage, origErr)
	}

	return report
}

// rollback invokes the compensating actions of succeeded stages, most
// recently succeeded first. It runs detached from the parent context's
// cancellation so an operator abort still compensates. Rollback errors are
// logged and reported, never propagated.
func (p *Pipeline) rollback(ctx context.Context, runID string, completed []*Stage, sc *Context) ([]RollbackReport, bool) {
	rctx := context.WithoutCancel(ctx)

	var reports []RollbackReport
	attempted := false
	for i := len(completed) - 1; i >= 0; i-- {
		stage := completed[i]
		if stage.compensate == nil {
			continue
		}
		attempted = true

		p.lggr.Infow("Rolling back stage", "runId", runID, "stage", stage.Name())
		if err := stage.compensate(rctx, sc); err != nil {
			rbErr := &RollbackError{Stage: stage.Name(), Err: err}
			p.lggr.Errorw("Rollback failed", "runId", runID, "stage", stage.Name(), "error", err)
			reports = append(reports, RollbackReport{Stage: stage.Name(), Err: newReportError(rbErr)})

			continue
		}
		reports = append(reports, RollbackReport{Stage: stage.Name()})
	}

	return reports, attempted
}

func (p *Pipeline) assemble(
	runID string, start time.Time, sc *Context, status Status,
	failedStage string, err error, rollbackAttempted bool, rollbacks []RollbackReport,
) RunReport {
	stageReports, rerr := p.reporter.StageReports()
	if rerr != nil {
		p.lggr.Errorw("Failed to collect stage reports", "runId", runID, "error", rerr)
	}

	return RunReport{
		RunID:             runID,
		Status:            status,
		FailedStage:       failedStage,
		Err:               newReportError(err),
		Stages:            stageReports,
		RollbackAttempted: rollbackAttempted,
		Rollbacks:         rollbacks,
		Advisories:        sc.Advisories(),
		Start:             start,
		End:               time.Now(),
	}
}

func (p *Pipeline) addStageReport(report StageReport) {
	if err := p.reporter.AddStageReport(report); err != nil {
		p.lggr.Errorw("Failed to record stage report", "stage", report.Def.Name, "error", err)
	}
}

// validateDataDependencies checks, before anything executes, that every
// declared required key is covered by a fallback value or declared as
// produced by an earlier stage. Returns the offending stage name.
func (p *Pipeline) validateDataDependencies(sc *Context) (string, error) {
	available := map[string]struct{}{}
	for _, k := range sc.FallbackKeys() {
		available[k] = struct{}{}
	}

	for _, stage := range p.stages {
		for _, key := range stage.requires {
			if _, ok := available[key]; !ok {
				return stage.Name(), &MissingContextValueError{Key: key, Stage: stage.Name()}
			}
		}
		for _, key := range stage.produces {
			available[key] = struct{}{}
		}
	}

	return "", nil
}

// missingRequirement re-checks declared requirements against the live context
// right before execution, catching producers that declared a key but never
// wrote it.
func (p *Pipeline) missingRequirement(stage *Stage, sc *Context) error {
	for _, key := range stage.requires {
		if !sc.Has(key) {
			return &MissingContextValueError{Key: key, Stage: stage.Name()}
		}
	}

	return nil
}

func wrapStageError(stage string, attempts uint, err error) error {
	var see *StageExecutionError
	if errors.As(err, &see) {
		return err
	}
	if Category(err) != CategoryExecution {
		return err
	}

	return &StageExecutionError{Stage: stage, Attempts: attempts, Err: err}
}
