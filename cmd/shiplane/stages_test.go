package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shiplane/shiplane/config"
	"github.com/shiplane/shiplane/infra/terraform"
	"github.com/shiplane/shiplane/pipeline"
	"github.com/shiplane/shiplane/pipeline/health"
)

type fakeProvisioner struct {
	outputs map[string]terraform.Output
	err     error
}

func (p *fakeProvisioner) Apply(context.Context) (map[string]terraform.Output, error) {
	return p.outputs, p.err
}

type fakePusher struct {
	pushed []string
	tagged []string
}

func (p *fakePusher) Push(_ context.Context, _, ref string) error {
	p.pushed = append(p.pushed, ref)

	return nil
}

func (p *fakePusher) Tag(_ context.Context, _, tag string) error {
	p.tagged = append(p.tagged, tag)

	return nil
}

type fakeCluster struct {
	applied   []string
	setImages []string
	current   string
	rollouts  int
}

func (c *fakeCluster) ApplyManifests(_ context.Context, dir string) error {
	c.applied = append(c.applied, dir)

	return nil
}

func (c *fakeCluster) SetImage(_ context.Context, _, _, image string) (string, error) {
	previous := c.current
	c.current = image
	c.setImages = append(c.setImages, image)

	return previous, nil
}

func (c *fakeCluster) WaitForRollout(context.Context, string, time.Duration) error {
	c.rollouts++

	return nil
}

func (c *fakeCluster) ServiceEndpoint(context.Context, string, time.Duration) (string, error) {
	return "http://lb.example.com:80", nil
}

func (c *fakeCluster) PortForward(context.Context, string, int) (health.Tunnel, error) {
	return nil, nil
}

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) Verify(context.Context, string) error { return v.err }

func testConfig() *config.Config {
	return &config.Config{
		Workload: config.WorkloadConfig{
			Name:        "taskboard",
			Namespace:   "default",
			Container:   "web",
			ManifestDir: "deploy/manifests",
		},
		Registry:  config.RegistryConfig{Repository: "taskboard", Tarball: "image.tar"},
		Terraform: config.TerraformConfig{Dir: "deploy/terraform"},
		Kube:      config.KubeConfig{Service: "taskboard", Port: 8000, RolloutTimeout: time.Second},
		Retry:     config.RetryConfig{MaxAttempts: 1},
		Health:    config.HealthConfig{Attempts: 1},
	}
}

func testDeps(cluster *fakeCluster, pusher *fakePusher, verifyErr error) deps {
	return deps{
		provisioner: &fakeProvisioner{outputs: map[string]terraform.Output{
			"registry_url": {Value: "reg.example.com"},
			"db_password":  {Value: "hunter2", Sensitive: true},
		}},
		pusher:      pusher,
		cluster:     cluster,
		newVerifier: func() verifier { return fakeVerifier{err: verifyErr} },
		source: func(context.Context) (string, error) {
			return "aabbccddeeff00112233445566778899aabbccdd", nil
		},
		buildNumber: "7",
	}
}

func runStages(t *testing.T, cfg *config.Config, d deps, skipProvision bool) (pipeline.RunReport, error) {
	t.Helper()

	p, err := pipeline.New(zaptest.NewLogger(t).Sugar(), buildStages(cfg, d, skipProvision),
		pipeline.WithFallback(cfg.FallbackValues()))
	require.NoError(t, err)

	return p.Run(context.Background())
}

func Test_Deploy_FullRun(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{current: "reg.example.com/taskboard:previous"}
	pusher := &fakePusher{}

	report, err := runStages(t, testConfig(), testDeps(cluster, pusher, nil), false)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSuccess, report.Status)
	require.Len(t, report.Stages, 8)

	// The image reference is derived from the provisioned registry, the short
	// commit hash and the build counter.
	wantRef := "reg.example.com/taskboard:aabbccddeeff-7"
	assert.Equal(t, []string{wantRef}, pusher.pushed)
	assert.Equal(t, []string{"latest"}, pusher.tagged)
	assert.Equal(t, []string{"deploy/manifests"}, cluster.applied)
	assert.Equal(t, []string{wantRef}, cluster.setImages)
	assert.Equal(t, 1, cluster.rollouts)
	assert.False(t, report.RollbackAttempted)
}

func Test_Deploy_HealthFailureRevertsImage(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{current: "reg.example.com/taskboard:previous"}
	verifyErr := &health.ExhaustedError{Workload: "taskboard", Attempts: 1}

	report, err := runStages(t, testConfig(), testDeps(cluster, &fakePusher{}, verifyErr), false)
	require.Error(t, err)

	assert.Equal(t, pipeline.CategoryHealthCheck, pipeline.Category(err))
	assert.Equal(t, pipeline.StatusFailed, report.Status)
	assert.Equal(t, "verify-health", report.FailedStage)

	// Rollback retargets the workload at the image it ran before the run.
	require.True(t, report.RollbackAttempted)
	require.Len(t, cluster.setImages, 2)
	assert.Equal(t, "reg.example.com/taskboard:previous", cluster.setImages[1])
	assert.Equal(t, "reg.example.com/taskboard:previous", cluster.current)
}

func Test_Deploy_AdvisoryHealthDoesNotRollBack(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Health.Advisory = true
	cluster := &fakeCluster{current: "reg.example.com/taskboard:previous"}
	verifyErr := &health.ExhaustedError{Workload: "taskboard", Attempts: 1}

	report, err := runStages(t, cfg, testDeps(cluster, &fakePusher{}, verifyErr), false)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSuccess, report.Status)
	assert.False(t, report.RollbackAttempted)
	require.Len(t, report.Advisories, 1)
	assert.Equal(t, "verify-health", report.Advisories[0].Stage)
	assert.Len(t, cluster.setImages, 1, "the new image stays deployed")
}

func Test_Deploy_SkipProvisionUsesRegistryFallback(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Registry.URL = "fallback.example.com"
	cluster := &fakeCluster{}
	pusher := &fakePusher{}

	d := testDeps(cluster, pusher, nil)
	d.provisioner = nil // never invoked when provisioning is skipped

	report, err := runStages(t, cfg, d, true)
	require.NoError(t, err)

	require.Len(t, report.Stages, 7, "no provision stage")
	assert.Equal(t, []string{"fallback.example.com/taskboard:aabbccddeeff-7"}, pusher.pushed)
}

func Test_Deploy_SkipProvisionWithoutRegistryFallbackFails(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	d := testDeps(cluster, &fakePusher{}, nil)
	d.provisioner = nil

	report, err := runStages(t, testConfig(), d, true)
	require.Error(t, err)

	assert.Equal(t, pipeline.CategoryMissingContext, pipeline.Category(err))
	assert.Equal(t, pipeline.StatusFailed, report.Status)
	assert.Empty(t, cluster.setImages, "the cluster is never touched")
}
