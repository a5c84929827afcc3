package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/monitoring"
	"github.com/sells-group/mail-triage/internal/store"
)

func sampleFunnel() *monitoring.FunnelSnapshot {
	return monitoring.Summarize([]store.StatusCount{
		{Status: model.StatusPending, Count: 2},
		{Status: model.StatusPhase1Complete, Route: model.RouteDone, Count: 4},
		{Status: model.StatusPhase2Complete, Route: model.RouteDone, HasPhase2: true, Count: 3},
		{Status: model.StatusPhase3Complete, Route: model.RouteDone, Count: 1},
	})
}

func TestPrintFunnel_Text(t *testing.T) {
	var buf bytes.Buffer
	alerts := []monitoring.Alert{{Type: monitoring.AlertPhase3Ratio, Severity: "medium", Message: "too many phase 3"}}
	require.NoError(t, printFunnel(&buf, sampleFunnel(), alerts, false))

	out := buf.String()
	assert.Contains(t, out, "items")
	assert.Contains(t, out, "reached phase1")
	assert.Contains(t, out, "80.0%")
	assert.Contains(t, out, "status phase2_complete")
	assert.Contains(t, out, "route done")
	assert.Contains(t, out, "ALERT [medium]")
	assert.NotContains(t, out, "status phase1_failed")
}

func TestPrintFunnel_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printFunnel(&buf, sampleFunnel(), nil, true))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.EqualValues(t, 10, got["total"])
	assert.EqualValues(t, 1, got["escalated"])
	assert.NotContains(t, got, "alerts")
}
