package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shiplane/shiplane/config"
	"github.com/shiplane/shiplane/history"
	"github.com/shiplane/shiplane/infra/terraform"
	"github.com/shiplane/shiplane/kube"
	"github.com/shiplane/shiplane/pipeline"
	"github.com/shiplane/shiplane/pipeline/health"
	"github.com/shiplane/shiplane/registry"
)

func newDeployCmd(configPath *string) *cobra.Command {
	var (
		skipProvision bool
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment pipeline once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeploy(cmd, *configPath, skipProvision, dryRun)
		},
	}
	cmd.Flags().BoolVar(&skipProvision, "skip-provision", false, "skip the terraform provisioning stage")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the stage plan without executing anything")

	return cmd
}

func runDeploy(cmd *cobra.Command, configPath string, skipProvision, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if dryRun {
		// The plan is static, so no collaborator needs to be constructed.
		printPlan(cmd.OutOrStdout(), buildStages(cfg, deps{}, skipProvision))

		return nil
	}

	lggr, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = lggr.Sync() }()

	d, err := buildDeps(cfg, lggr)
	if err != nil {
		return err
	}

	p, err := pipeline.New(lggr, buildStages(cfg, d, skipProvision),
		pipeline.WithFallback(cfg.FallbackValues()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := p.Run(ctx)

	// Archiving is best-effort and must also happen for aborted runs.
	archiveRun(context.WithoutCancel(ctx), cfg, lggr, report)

	printReport(cmd.OutOrStdout(), report)

	if runErr != nil {
		code := 2
		if pipeline.Category(runErr) == pipeline.CategoryHealthCheck {
			code = 3
		}

		return &codedError{code: code, err: runErr}
	}

	return nil
}

// buildDeps constructs the real collaborators behind the stage interfaces.
func buildDeps(cfg *config.Config, lggr *zap.SugaredLogger) (deps, error) {
	cl, err := kube.NewClient(cfg.Kube.Kubeconfig, cfg.Kube.Context, cfg.Workload.Namespace, lggr)
	if err != nil {
		return deps{}, err
	}

	d := deps{
		lggr:        lggr,
		provisioner: terraform.New(cfg.Terraform.Dir, lggr),
		pusher:      registry.NewPusher(lggr),
		cluster:     kubeCluster{cl},
		source:      gitSource,
		buildNumber: buildNumber(),
	}

	if cfg.Registry.AWSRegion != "" {
		resolver, err := registry.NewECRResolver(cfg.Registry.AWSRegion, lggr)
		if err != nil {
			return deps{}, err
		}
		d.registry = resolver
	}

	d.newVerifier = func() verifier {
		resolver := health.ResolverFunc(func(ctx context.Context, wait time.Duration) (string, error) {
			return cl.ServiceEndpoint(ctx, cfg.Kube.Service, wait)
		})

		var opts []health.MachineOption
		if cfg.Kube.Port > 0 {
			opts = append(opts, health.WithTunnelDialer(health.DialerFunc(func(ctx context.Context) (health.Tunnel, error) {
				return cl.PortForward(ctx, cfg.Kube.Service, cfg.Kube.Port)
			})))
		}

		return health.NewMachine(lggr, health.Config{
			Attempts:     cfg.Health.Attempts,
			Interval:     cfg.Health.Interval,
			EndpointWait: cfg.Health.EndpointWait,
		}, resolver, health.NewHTTPProber(cfg.Health.ProbeTimeout), opts...)
	}

	return d, nil
}

// kubeCluster adapts *kube.Client to the cluster interface: PortForward's
// concrete *kube.Tunnel becomes the health.Tunnel the stages expect.
type kubeCluster struct {
	*kube.Client
}

func (k kubeCluster) PortForward(ctx context.Context, service string, remotePort int) (health.Tunnel, error) {
	return k.Client.PortForward(ctx, service, remotePort)
}

// archiveRun persists the run report when a history DSN is configured.
// Failures are logged, never fatal: the deployment outcome already happened.
func archiveRun(ctx context.Context, cfg *config.Config, lggr *zap.SugaredLogger, report pipeline.RunReport) {
	if cfg.History.DSN == "" {
		return
	}

	store, err := history.Open(ctx, "postgres", cfg.History.DSN, lggr)
	if err != nil {
		lggr.Warnw("Skipping run archive", "runId", report.RunID, "error", err)

		return
	}
	defer store.Close()

	if err := store.SaveRun(ctx, cfg.Workload.Name, report); err != nil {
		lggr.Warnw("Failed to archive run report", "runId", report.RunID, "error", err)
	}
}

func printPlan(w io.Writer, stages []*pipeline.Stage) {
	fmt.Fprintln(w, "Planned stages:")
	for i, stage := range stages {
		fmt.Fprintf(w, "  %d. %s (%s): %s\n", i+1, stage.Name(), stage.Version(), stage.Description())
	}
}

func printReport(w io.Writer, report pipeline.RunReport) {
	fmt.Fprintf(w, "Run %s: %s in %s\n",
		report.RunID, report.Status, report.End.Sub(report.Start).Round(time.Millisecond))

	for _, stage := range report.Stages {
		fmt.Fprintf(w, "  %-16s attempts=%d duration=%s",
			stage.Def.Name, stage.Attempts, stage.End.Sub(stage.Start).Round(time.Millisecond))
		if stage.Err != nil {
			fmt.Fprintf(w, " error=%q", stage.Err.Message)
		}
		fmt.Fprintln(w)
	}

	if report.Status == pipeline.StatusFailed && report.Err != nil {
		fmt.Fprintf(w, "Failed stage: %s (%s): %s\n", report.FailedStage, report.Err.Category, report.Err.Message)
		if report.RollbackAttempted {
			for _, rb := range report.Rollbacks {
				if rb.Err != nil {
					fmt.Fprintf(w, "  rolled back %s: FAILED: %s\n", rb.Stage, rb.Err.Message)

					continue
				}
				fmt.Fprintf(w, "  rolled back %s\n", rb.Stage)
			}
		}
	}

	for _, adv := range report.Advisories {
		fmt.Fprintf(w, "Advisory from %s: %s\n", adv.Stage, adv.Message)
	}
}
