package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"geodecision/tools"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapTranscript(t *testing.T) {
	records := []HistoryRecord{
		{ID: "m1", Role: "user", Type: "text", Content: "Which model for floods?"},
		{Role: "assistant", Type: "tool", Tools: []HistoryTool{
			{Tool: "search_relevant_models", Result: json.RawMessage(`{"models":[]}`)},
			{Kind: "get_model_details", Status: "running", Title: "Model picked"},
			{Title: "no kind"},
		}},
		{Role: "ai", Type: "dataScan", FilePath: "/data/dem.tif", Profile: Profile{"Form": "raster"}},
		{Role: "human", Content: "thanks"},
	}

	msgs := MapTranscript("s1", records)

	require.Len(t, msgs, 4)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, KindText, msgs[0].Kind)

	tool := msgs[1]
	assert.Equal(t, "s1-h2", tool.ID)
	assert.Equal(t, KindToolRun, tool.Kind)
	assert.Equal(t, RoleAssistant, tool.Role)
	require.Len(t, tool.Tools, 2)
	assert.Equal(t, "s1-h2/search_relevant_models", tool.Tools[0].ID)
	assert.Equal(t, tools.FinishedTitle(tools.SearchRelevantModels), tool.Tools[0].Title)
	assert.JSONEq(t, `{"models":[]}`, string(tool.Tools[0].Result))
	assert.Equal(t, "Model picked", tool.Tools[1].Title)
	for _, c := range tool.Tools {
		assert.Equal(t, StatusSuccess, c.Status)
	}

	scan := msgs[2]
	assert.Equal(t, KindDataScan, scan.Kind)
	assert.Equal(t, RoleAssistant, scan.Role)
	assert.Equal(t, "/data/dem.tif", scan.FilePath)
	assert.Equal(t, "raster", scan.Profile["Form"])
	assert.False(t, scan.Streaming)

	assert.Equal(t, RoleUser, msgs[3].Role)
}

func TestMapTranscript_CopiesProfiles(t *testing.T) {
	records := []HistoryRecord{{Role: "assistant", Type: "dataScan", Profile: Profile{"Form": "raster"}}}

	msgs := MapTranscript("s1", records)
	msgs[0].Profile["Form"] = "vector"

	assert.Equal(t, "raster", records[0].Profile["Form"])
}

func TestWithHistory_MovesSequencePastTranscript(t *testing.T) {
	msgs := MapTranscript("s1", []HistoryRecord{{Role: "user"}, {Role: "assistant"}, {Role: "user"}})

	state := WithHistory(NewSessionState("s1", "t"), msgs)
	state, id := AppendUserMessage(state, "next")

	assert.Equal(t, "msg-4", id)
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestHydrator_WrapsBackendErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.fetchErr = errors.New("connection refused")
	h := NewHydrator(backend, testLogger())

	_, err := h.Hydrate(context.Background(), "s9")

	var herr *HydrationError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "s9", herr.SessionID)
	assert.Equal(t, 1, backend.fetches())
}

func TestMapTranscript_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	roles := []string{"user", "assistant", "human", "ai"}
	types := []string{"text", "tool", "dataScan", ""}
	toRecords := func(codes []int) []HistoryRecord {
		records := make([]HistoryRecord, len(codes))
		for i, c := range codes {
			records[i] = HistoryRecord{
				Role:    roles[c%len(roles)],
				Type:    types[c%len(types)],
				Content: fmt.Sprintf("m%d", c),
			}
			if c%2 == 0 {
				records[i].Tools = []HistoryTool{{Tool: "search_relevant_models"}}
			}
		}
		return records
	}

	properties.Property("mapping is deterministic", prop.ForAll(
		func(codes []int) bool {
			return assert.ObjectsAreEqual(
				MapTranscript("s1", toRecords(codes)),
				MapTranscript("s1", toRecords(codes)),
			)
		},
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.Property("every record maps to one finished message", prop.ForAll(
		func(codes []int) bool {
			msgs := MapTranscript("s1", toRecords(codes))
			if len(msgs) != len(codes) {
				return false
			}
			for _, m := range msgs {
				if m.Streaming {
					return false
				}
				for _, c := range m.Tools {
					if c.Status != StatusSuccess {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}
