package history

import (
	"context"
	"testing"
	"time"

	_ "github.com/proullon/ramsql/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shiplane/shiplane/pipeline"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := Open(context.Background(), "ramsql", "history_test_"+t.Name(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testReport(runID string, start time.Time, status pipeline.Status) pipeline.RunReport {
	report := pipeline.RunReport{
		RunID:  runID,
		Status: status,
		Stages: []pipeline.StageReport{
			{ID: runID + "-stage-1", Def: pipeline.Definition{Name: "provision"}, Attempts: 1, Start: start, End: start.Add(time.Minute)},
			{ID: runID + "-stage-2", Def: pipeline.Definition{Name: "publish-image"}, Attempts: 2, Start: start.Add(time.Minute), End: start.Add(2 * time.Minute)},
		},
		Start: start,
		End:   start.Add(3 * time.Minute),
	}
	if status == pipeline.StatusFailed {
		report.FailedStage = "publish-image"
		report.Err = &pipeline.ReportError{Message: "push failed", Category: pipeline.CategoryExecution}
	}

	return report
}

func Test_SQLStore_SaveAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	older := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	require.NoError(t, store.SaveRun(ctx, "taskboard", testReport("run-1", older, pipeline.StatusSuccess)))
	require.NoError(t, store.SaveRun(ctx, "taskboard", testReport("run-2", newer, pipeline.StatusFailed)))
	require.NoError(t, store.SaveRun(ctx, "other", testReport("run-3", newer, pipeline.StatusSuccess)))

	runs, err := store.ListRuns(ctx, "taskboard")
	require.NoError(t, err)
	require.Len(t, runs, 2, "only the requested workload's runs")

	assert.Equal(t, "run-2", runs[0].RunID, "most recent first")
	assert.Equal(t, string(pipeline.StatusFailed), runs[0].Status)
	assert.Equal(t, "publish-image", runs[0].FailedStage)
	assert.Equal(t, "push failed", runs[0].Error)
	assert.Equal(t, newer, runs[0].StartedAt)

	assert.Equal(t, "run-1", runs[1].RunID)
	assert.Empty(t, runs[1].FailedStage)
}

func Test_SQLStore_ListEmpty(t *testing.T) {
	store := testStore(t)

	runs, err := store.ListRuns(context.Background(), "taskboard")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func Test_SQLStore_EnsureSchemaIdempotent(t *testing.T) {
	store := testStore(t)

	// Open already bootstrapped the schema; a second pass must be a no-op.
	require.NoError(t, store.EnsureSchema(context.Background()))
}
