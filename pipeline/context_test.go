package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Context_KeysKeepInsertionOrder(t *testing.T) {
	t.Parallel()

	sc := NewContext()
	sc.Set("commit.short", "abc123")
	sc.Set("registry.url", "registry.example.com")
	sc.Set("image.tag", "abc123-1")
	sc.Set("commit.short", "def456") // update keeps position

	assert.Equal(t, []string{"commit.short", "registry.url", "image.tag"}, sc.Keys())

	v, ok := sc.Get("commit.short")
	require.True(t, ok)
	assert.Equal(t, "def456", v)
}

func Test_Context_SnapshotRedactsSecrets(t *testing.T) {
	t.Parallel()

	sc := NewContext()
	sc.Set("image.tag", "abc123-1")
	sc.SetSecret("registry.token", "s3cr3t")

	snap := sc.Snapshot()
	assert.Equal(t, "abc123-1", snap["image.tag"])
	assert.Equal(t, "[redacted]", snap["registry.token"])

	// The raw value stays readable for the executing stage.
	v, ok := sc.Get("registry.token")
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", v)
}

func Test_Context_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		written   map[string]string
		fallbacks map[string]string
		key       string
		want      string
		wantErr   bool
	}{
		{
			name:    "stage value wins",
			written: map[string]string{"registry.url": "from-stage"},
			fallbacks: map[string]string{
				"registry.url": "from-config",
			},
			key:  "registry.url",
			want: "from-stage",
		},
		{
			name:      "fallback when absent",
			fallbacks: map[string]string{"registry.url": "from-config"},
			key:       "registry.url",
			want:      "from-config",
		},
		{
			name:    "missing is an error",
			key:     "registry.url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sc := NewContext(WithFallbackValues(tt.fallbacks))
			for k, v := range tt.written {
				sc.Set(k, v)
			}

			got, err := sc.Resolve(tt.key, "publish-image")
			if tt.wantErr {
				var missing *MissingContextValueError
				require.ErrorAs(t, err, &missing)
				assert.Equal(t, tt.key, missing.Key)
				assert.Equal(t, "publish-image", missing.Stage)
				assert.Equal(t, CategoryMissingContext, Category(err))

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_Context_MustGetIgnoresFallback(t *testing.T) {
	t.Parallel()

	sc := NewContext(WithFallbackValues(map[string]string{"registry.url": "from-config"}))

	_, err := sc.MustGet("registry.url", "publish-image")
	var missing *MissingContextValueError
	require.ErrorAs(t, err, &missing)
}

func Test_Context_Advisories(t *testing.T) {
	t.Parallel()

	sc := NewContext()
	sc.Advise("apply-manifests", errors.New("pruning skipped: permission denied"))

	advisories := sc.Advisories()
	require.Len(t, advisories, 1)
	assert.Equal(t, "apply-manifests", advisories[0].Stage)
	assert.Contains(t, advisories[0].Message, "pruning skipped")
}
