package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Context accessors ---

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, NodeAlias(ctx))
	assert.Empty(t, RecordID(ctx))

	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithRunID(ctx, "run-42")
	ctx = WithNodeAlias(ctx, "scan_page")
	ctx = WithRecordID(ctx, "lead_001")

	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "run-42", RunID(ctx))
	assert.Equal(t, "scan_page", NodeAlias(ctx))
	assert.Equal(t, "lead_001", RecordID(ctx))
}

func TestContextAccessors_Overwrite(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithRunID(ctx, "run-2")
	assert.Equal(t, "run-2", RunID(ctx))
}

// --- Correlation handler ---

func newCapturedLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewCorrelationHandler(inner)), &buf
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	logger, buf := newCapturedLogger()

	ctx := WithWorkflowID(context.Background(), "wf-1")
	ctx = WithRunID(ctx, "run-42")
	ctx = WithNodeAlias(ctx, "enrich")
	ctx = WithRecordID(ctx, "lead_003")

	logger.InfoContext(ctx, "node finished")

	out := buf.String()
	assert.Contains(t, out, `"workflow_id":"wf-1"`)
	assert.Contains(t, out, `"run_id":"run-42"`)
	assert.Contains(t, out, `"node_alias":"enrich"`)
	assert.Contains(t, out, `"record_id":"lead_003"`)
	assert.Contains(t, out, `"msg":"node finished"`)
}

func TestCorrelationHandler_SkipsAbsentIDs(t *testing.T) {
	logger, buf := newCapturedLogger()

	logger.InfoContext(WithRunID(context.Background(), "run-7"), "partial context")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-7"`)
	assert.NotContains(t, out, "workflow_id")
	assert.NotContains(t, out, "node_alias")
	assert.NotContains(t, out, "record_id")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	logger, buf := newCapturedLogger()

	logger.With(slog.String("component", "engine")).
		InfoContext(WithRunID(context.Background(), "run-9"), "hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"engine"`)
	assert.Contains(t, out, `"run_id":"run-9"`)
}

func TestCorrelationHandler_WithGroupKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("job"))

	logger.InfoContext(WithRunID(context.Background(), "run-11"), "grouped", slog.String("id", "j1"))

	out := buf.String()
	require.Contains(t, out, `"job"`)
	assert.Contains(t, out, `"id":"j1"`)
	// Correlation attrs are added to the record after grouping, so they land
	// inside the group as well.
	assert.Contains(t, out, `"run_id":"run-11"`)
}

func TestCorrelationHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "dropped")
	assert.Empty(t, buf.String())

	logger.WarnContext(context.Background(), "kept")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}
