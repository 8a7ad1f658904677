// Package terraform adapts the infrastructure provisioner. Applying is
// idempotent by terraform's own semantics: re-running with unchanged desired
// state is a no-op.
package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// CommandRunner executes an external command in dir and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// Output is a single resolved terraform output value.
type Output struct {
	Value     string
	Sensitive bool
}

// Provisioner reconciles the infrastructure under a terraform working
// directory and exposes the resolved outputs.
type Provisioner struct {
	dir    string
	lggr   *zap.SugaredLogger
	runner CommandRunner
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithCommandRunner replaces the real terraform binary, for tests.
func WithCommandRunner(runner CommandRunner) ProvisionerOption {
	return func(p *Provisioner) {
		p.runner = runner
	}
}

// New creates a Provisioner for the given working directory.
func New(dir string, lggr *zap.SugaredLogger, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		dir:    dir,
		lggr:   lggr,
		runner: execRunner{},
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Apply reconciles the desired state and returns the terraform outputs keyed
// by name. Sensitive outputs are flagged so callers can store them redacted.
func (p *Provisioner) Apply(ctx context.Context) (map[string]Output, error) {
	p.lggr.Infow("Applying infrastructure", "dir", p.dir)

	if _, err := p.runner.Run(ctx, p.dir, "terraform", "init", "-input=false", "-no-color"); err != nil {
		return nil, fmt.Errorf("terraform init: %w", err)
	}
	if _, err := p.runner.Run(ctx, p.dir, "terraform", "apply", "-auto-approve", "-input=false", "-no-color"); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", err)
	}

	raw, err := p.runner.Run(ctx, p.dir, "terraform", "output", "-json")
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}

	return parseOutputs(raw)
}

// tfOutput matches the wire shape of `terraform output -json`.
type tfOutput struct {
	Value     any  `json:"value"`
	Sensitive bool `json:"sensitive"`
}

func parseOutputs(raw []byte) (map[string]Output, error) {
	var decoded map[string]tfOutput
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parsing terraform outputs: %w", err)
	}

	outputs := make(map[string]Output, len(decoded))
	for name, out := range decoded {
		value, ok := out.Value.(string)
		if !ok {
			// Non-string outputs (lists, maps) are carried verbatim as JSON.
			b, err := json.Marshal(out.Value)
			if err != nil {
				return nil, fmt.Errorf("encoding terraform output %q: %w", name, err)
			}
			value = string(b)
		}
		outputs[name] = Output{Value: value, Sensitive: out.Sensitive}
	}

	return outputs, nil
}
