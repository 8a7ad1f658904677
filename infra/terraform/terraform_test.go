package terraform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	calls   []string
	outputs []byte
	failOn  string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	if f.failOn != "" && strings.Contains(call, f.failOn) {
		return nil, errors.New("exit status 1")
	}
	if strings.Contains(call, "output") {
		return f.outputs, nil
	}

	return nil, nil
}

func Test_Apply(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: []byte(`{
		"registry_url": {"sensitive": false, "type": "string", "value": "123456789012.dkr.ecr.us-east-1.amazonaws.com"},
		"cluster_endpoint": {"sensitive": false, "type": "string", "value": "https://k8s.example.com"},
		"db_password": {"sensitive": true, "type": "string", "value": "hunter2"},
		"subnet_ids": {"sensitive": false, "type": ["list","string"], "value": ["a","b"]}
	}`)}

	p := New("deploy/terraform", zaptest.NewLogger(t).Sugar(), WithCommandRunner(runner))

	outputs, err := p.Apply(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"terraform init -input=false -no-color",
		"terraform apply -auto-approve -input=false -no-color",
		"terraform output -json",
	}, runner.calls)

	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com", outputs["registry_url"].Value)
	assert.False(t, outputs["registry_url"].Sensitive)
	assert.True(t, outputs["db_password"].Sensitive)
	assert.JSONEq(t, `["a","b"]`, outputs["subnet_ids"].Value)
}

func Test_Apply_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failOn  string
		wantErr string
	}{
		{name: "init fails", failOn: "init", wantErr: "terraform init"},
		{name: "apply fails", failOn: "apply", wantErr: "terraform apply"},
		{name: "output fails", failOn: "output", wantErr: "terraform output"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New("deploy/terraform", zaptest.NewLogger(t).Sugar(),
				WithCommandRunner(&fakeRunner{failOn: tt.failOn}))

			_, err := p.Apply(context.Background())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func Test_parseOutputs_Malformed(t *testing.T) {
	t.Parallel()

	_, err := parseOutputs([]byte("not json"))
	require.ErrorContains(t, err, "parsing terraform outputs")
}
