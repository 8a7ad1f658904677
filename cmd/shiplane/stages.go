package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/shiplane/shiplane/config"
	"github.com/shiplane/shiplane/infra/terraform"
	"github.com/shiplane/shiplane/pipeline"
	"github.com/shiplane/shiplane/pipeline/health"
	"github.com/shiplane/shiplane/registry"
)

// Collaborator boundaries consumed by the stock stages. The adapters own the
// real implementations; the narrow interfaces keep the wiring testable.
type (
	provisioner interface {
		Apply(ctx context.Context) (map[string]terraform.Output, error)
	}

	imagePusher interface {
		Push(ctx context.Context, tarball, ref string) error
		Tag(ctx context.Context, ref, tag string) error
	}

	registryResolver interface {
		RegistryURL(ctx context.Context) (string, error)
		EnsureRepository(ctx context.Context, repository string) error
	}

	cluster interface {
		ApplyManifests(ctx context.Context, dir string) error
		SetImage(ctx context.Context, deployment, container, image string) (string, error)
		WaitForRollout(ctx context.Context, deployment string, timeout time.Duration) error
		ServiceEndpoint(ctx context.Context, service string, waitFor time.Duration) (string, error)
		PortForward(ctx context.Context, service string, remotePort int) (health.Tunnel, error)
	}

	verifier interface {
		Verify(ctx context.Context, workload string) error
	}

	sourceResolver func(ctx context.Context) (hash string, err error)
)

// deps bundles the collaborators the stock pipeline invokes.
type deps struct {
	lggr        *zap.SugaredLogger
	provisioner provisioner
	pusher      imagePusher
	registry    registryResolver // nil when no AWS region is configured
	cluster     cluster
	newVerifier func() verifier
	source      sourceResolver
	buildNumber string
}

var stageVersion = semver.MustParse("1.0.0")

// buildStages assembles the stock deployment pipeline in declaration order.
func buildStages(cfg *config.Config, d deps, skipProvision bool) []*pipeline.Stage {
	retryPolicy := pipeline.RetryPolicy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		Delay:         cfg.Retry.Delay,
		LinearBackoff: cfg.Retry.LinearBackoff,
	}

	stages := []*pipeline.Stage{
		pipeline.NewStage("resolve-source", stageVersion,
			"resolve the source commit and build counter",
			resolveSourceAction(d),
			pipeline.WithProduces("commit.hash", "commit.short", "build.number"),
		),
	}

	if !skipProvision {
		stages = append(stages, pipeline.NewStage("provision", stageVersion,
			"reconcile infrastructure with terraform",
			provisionAction(d),
			pipeline.WithRetryPolicy(retryPolicy),
		))
	}

	stages = append(stages,
		pipeline.NewStage("resolve-registry", stageVersion,
			"resolve the registry URL and derive the image reference",
			resolveRegistryAction(cfg, d),
			pipeline.WithRequires("commit.short", "build.number"),
			pipeline.WithProduces("registry.url", "image.tag", "image.ref"),
		),
		pipeline.NewStage("publish-image", stageVersion,
			"push the built image to the registry",
			publishImageAction(cfg, d),
			pipeline.WithRequires("image.ref"),
			pipeline.WithRetryPolicy(retryPolicy),
		),
		pipeline.NewStage("apply-manifests", stageVersion,
			"apply the static Kubernetes manifest set",
			func(ctx context.Context, sc *pipeline.Context) error {
				return d.cluster.ApplyManifests(ctx, cfg.Workload.ManifestDir)
			},
			pipeline.WithRetryPolicy(retryPolicy),
		),
		pipeline.NewStage("set-image", stageVersion,
			"retarget the workload at the new image",
			setImageAction(cfg, d),
			pipeline.WithRequires("image.ref"),
			pipeline.WithProduces("image.previous"),
			pipeline.WithCompensation(revertImageAction(cfg, d)),
		),
		pipeline.NewStage("wait-rollout", stageVersion,
			"wait for the workload rollout to complete",
			func(ctx context.Context, sc *pipeline.Context) error {
				return d.cluster.WaitForRollout(ctx, cfg.Workload.Name, cfg.Kube.RolloutTimeout)
			},
		),
		pipeline.NewStage("verify-health", stageVersion,
			"probe the deployed workload until healthy",
			verifyHealthAction(cfg, d),
		),
	)

	return stages
}

func resolveSourceAction(d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		hash, err := d.source(ctx)
		if err != nil {
			return fmt.Errorf("resolving source commit: %w", err)
		}
		if len(hash) < 12 {
			return pipeline.Unrecoverable(fmt.Errorf("malformed commit hash %q", hash))
		}

		sc.Set("commit.hash", hash)
		sc.Set("commit.short", hash[:12])
		sc.Set("build.number", d.buildNumber)

		return nil
	}
}

func provisionAction(d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		outputs, err := d.provisioner.Apply(ctx)
		if err != nil {
			return err
		}

		for name, out := range outputs {
			key := "infra." + name
			if out.Sensitive {
				sc.SetSecret(key, out.Value)

				continue
			}
			sc.Set(key, out.Value)
		}

		return nil
	}
}

// resolveRegistryAction applies the registry resolution precedence: the
// provisioner's output, then the operator-supplied fallback, then derivation
// from the ambient cloud identity.
func resolveRegistryAction(cfg *config.Config, d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		url, ok := sc.Get("infra.registry_url")
		if !ok {
			var err error
			url, err = sc.Resolve("registry.url", "resolve-registry")
			if err != nil && d.registry != nil {
				if url, err = d.registry.RegistryURL(ctx); err != nil {
					return err
				}
			}
			if url == "" {
				return &pipeline.MissingContextValueError{Key: "registry.url", Stage: "resolve-registry"}
			}
		}

		if d.registry != nil {
			if err := d.registry.EnsureRepository(ctx, cfg.Registry.Repository); err != nil {
				return err
			}
		}

		short, err := sc.MustGet("commit.short", "resolve-registry")
		if err != nil {
			return err
		}
		build, err := sc.MustGet("build.number", "resolve-registry")
		if err != nil {
			return err
		}

		tag := registry.BuildTag(short, build)
		sc.Set("registry.url", url)
		sc.Set("image.tag", tag)
		sc.Set("image.ref", fmt.Sprintf("%s/%s:%s", url, cfg.Registry.Repository, tag))

		return nil
	}
}

func publishImageAction(cfg *config.Config, d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		ref, err := sc.MustGet("image.ref", "publish-image")
		if err != nil {
			return err
		}

		if err := d.pusher.Push(ctx, cfg.Registry.Tarball, ref); err != nil {
			return err
		}

		// A moving "latest" tag is a convenience, not a gate.
		if err := d.pusher.Tag(ctx, ref, "latest"); err != nil {
			sc.Advise("publish-image", fmt.Errorf("tagging latest: %w", err))
		}

		return nil
	}
}

func setImageAction(cfg *config.Config, d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		ref, err := sc.MustGet("image.ref", "set-image")
		if err != nil {
			return err
		}

		previous, err := d.cluster.SetImage(ctx, cfg.Workload.Name, cfg.Workload.Container, ref)
		if err != nil {
			return err
		}
		sc.Set("image.previous", previous)

		return nil
	}
}

// revertImageAction compensates set-image by pointing the workload back at
// the image it ran before this deployment.
func revertImageAction(cfg *config.Config, d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		previous, err := sc.MustGet("image.previous", "set-image")
		if err != nil {
			return err
		}

		_, err = d.cluster.SetImage(ctx, cfg.Workload.Name, cfg.Workload.Container, previous)

		return err
	}
}

func verifyHealthAction(cfg *config.Config, d deps) pipeline.Action {
	return func(ctx context.Context, sc *pipeline.Context) error {
		err := d.newVerifier().Verify(ctx, cfg.Workload.Name)
		if err == nil {
			return nil
		}

		var exhausted *health.ExhaustedError
		if errors.As(err, &exhausted) && cfg.Health.Advisory {
			// Lenient mode: record the miss instead of rolling back.
			sc.Advise("verify-health", err)

			return nil
		}

		return err
	}
}

// gitSource resolves the current commit hash from the working tree.
func gitSource(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

// buildNumber returns the CI build counter, defaulting to "0" for local runs.
func buildNumber() string {
	if n := os.Getenv("BUILD_NUMBER"); n != "" {
		return n
	}

	return "0"
}
