package pipeline

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Action is the execution body of a stage. It reads and writes the shared
// run Context and must be idempotent: the retry wrapper may invoke it once
// per attempt.
type Action func(ctx context.Context, sc *Context) error

// Definition is the metadata for a stage: its unique name, semver version and
// a human readable description.
type Definition struct {
	Name        string          `json:"name"`
	Version     *semver.Version `json:"version"`
	Description string          `json:"description"`
}

// RetryPolicy bounds how a stage action is retried. The zero value means a
// single attempt with no delay; MaxAttempts is always treated as at least 1,
// a stage can never retry indefinitely.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts uint
	// Delay is the wait between attempts.
	Delay time.Duration
	// LinearBackoff scales Delay by the attempt number instead of keeping
	// it fixed.
	LinearBackoff bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}

	return p
}

// Stage is a named unit of pipeline work with an optional retry policy and an
// optional compensating action. Use NewStage to create one.
type Stage struct {
	def        Definition
	action     Action
	retry      RetryPolicy
	compensate Action
	requires   []string
	produces   []string
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithRetryPolicy sets the stage retry policy.
func WithRetryPolicy(policy RetryPolicy) StageOption {
	return func(s *Stage) {
		s.retry = policy
	}
}

// WithCompensation declares the idempotent rollback action invoked when a
// later stage fails after this stage succeeded.
func WithCompensation(compensate Action) StageOption {
	return func(s *Stage) {
		s.compensate = compensate
	}
}

// WithRequires declares the context keys this stage reads. Required keys are
// validated before the run starts (against declared producers and fallback
// values) and again before the action is first invoked.
func WithRequires(keys ...string) StageOption {
	return func(s *Stage) {
		s.requires = append(s.requires, keys...)
	}
}

// WithProduces declares the context keys this stage writes, feeding the
// pre-run data dependency validation.
func WithProduces(keys ...string) StageOption {
	return func(s *Stage) {
		s.produces = append(s.produces, keys...)
	}
}

// NewStage creates a stage. Version can be created with semver.MustParse.
func NewStage(name string, version *semver.Version, description string, action Action, opts ...StageOption) *Stage {
	s := &Stage{
		def: Definition{
			Name:        name,
			Version:     version,
			Description: description,
		},
		action: action,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.def.Name }

// Version returns the stage semver version in string form.
func (s *Stage) Version() string { return s.def.Version.String() }

// Description returns the stage description.
func (s *Stage) Description() string { return s.def.Description }

// Def returns the stage definition.
func (s *Stage) Def() Definition { return s.def }
