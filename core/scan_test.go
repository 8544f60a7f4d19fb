package core

import (
	"strings"
	"testing"

	"geodecision/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanTurn(t *testing.T) (SessionState, string) {
	t.Helper()
	state := userTurn("which model fits my rainfall table?")
	state, id := AppendScanMessage(state, "/data/s1/rain.csv")
	return state, id
}

func scanFold(t *testing.T, state SessionState, messageID string, frames ...string) (SessionState, Effect) {
	t.Helper()
	var eff Effect
	for _, f := range frames {
		ev, err := ParseScanEvent([]byte(f))
		require.NoError(t, err)
		state, eff = ReduceScan(state, messageID, ev)
	}
	return state, eff
}

func TestAppendScanMessage(t *testing.T) {
	state, _ := fold(t, userTurn("q"), `{"type":"token","message":"partial"}`)

	state, id := AppendScanMessage(state, "/data/a.tif")

	require.Len(t, state.Messages, 3)
	assert.False(t, state.Messages[1].Streaming)
	scan := state.Messages[2]
	assert.Equal(t, id, scan.ID)
	assert.Equal(t, KindDataScan, scan.Kind)
	assert.Equal(t, RoleAssistant, scan.Role)
	assert.Equal(t, "/data/a.tif", scan.FilePath)
}

func TestReduceScan_ProfileLandsOnMessageAndSession(t *testing.T) {
	state, id := scanTurn(t)

	state, eff := scanFold(t, state, id,
		`{"type":"tool_call","tool":"tool_detect_format"}`,
		`{"type":"tool_result","tool":"tool_detect_format","data":{"form":"table"}}`,
		`{"type":"tool_call","tool":"tool_analyze_table"}`,
		`{"type":"final","tool":"tool_analyze_table","data":{"profile":{"Form":"table","Rows":365}}}`,
	)

	assert.True(t, eff.CloseStream)
	msg := state.Messages[state.FindMessage(id)]
	require.Len(t, msg.Tools, 2)
	assert.Equal(t, tools.DetectFormat, msg.Tools[0].Kind)
	assert.Equal(t, tools.AnalyzeTable, msg.Tools[1].Kind)
	for _, c := range msg.Tools {
		assert.Equal(t, StatusSuccess, c.Status)
		assert.True(t, strings.HasPrefix(c.ID, id+"/"))
	}
	assert.Equal(t, "table", msg.Profile["Form"])
	assert.Equal(t, "table", state.Session.DataProfile["Form"])
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestReduceScan_ErrorFailsRunningStep(t *testing.T) {
	state, id := scanTurn(t)

	state, eff := scanFold(t, state, id,
		`{"type":"tool_call","tool":"tool_detect_format"}`,
		`{"type":"error","message":"unsupported encoding"}`,
	)

	assert.True(t, eff.CloseStream)
	msg := state.Messages[state.FindMessage(id)]
	require.Len(t, msg.Tools, 1)
	assert.Equal(t, StatusError, msg.Tools[0].Status)
	assert.Equal(t, "unsupported encoding", msg.Tools[0].Title)
	assert.Equal(t, "unsupported encoding", state.LastError)
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestReduceScan_LeavesOpenReplyStreaming(t *testing.T) {
	state, id := scanTurn(t)
	state, _ = fold(t, state, `{"type":"token","message":"Checking"}`)
	require.True(t, state.Messages[2].Streaming)

	state, _ = scanFold(t, state, id, `{"type":"tool_call","tool":"tool_detect_format"}`)

	assert.True(t, state.Messages[2].Streaming)
	assert.Equal(t, "Checking", state.Messages[2].Content)
}

func TestReduceScan_UnknownMessageClosesStream(t *testing.T) {
	state, _ := scanTurn(t)

	next, eff := ReduceScan(state, "msg-99", ToolCallEvent{Kind: tools.DetectFormat})

	assert.True(t, eff.CloseStream)
	assert.Equal(t, state, next)
}
