package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup_KnownKinds(t *testing.T) {
	d := Lookup(SearchRelevantIndices)
	assert.Equal(t, "Searching relevant indices...", d.RunningTitle)
	assert.Equal(t, "Relevant indices found", d.FinishedTitle)
	assert.False(t, d.Scan)

	assert.True(t, Known(GetModelDetails))
	assert.True(t, IsScan(AnalyzeRaster))
	assert.False(t, IsScan(GetModelDetails))
}

func TestLookup_UnknownKindGetsGenericTitles(t *testing.T) {
	kind := Kind("tool_compute_slope")

	assert.False(t, Known(kind))
	assert.False(t, IsScan(kind))
	assert.Equal(t, "Running Compute slope...", RunningTitle(kind))
	assert.Equal(t, "Compute slope finished", FinishedTitle(kind))
}

func TestScanKinds(t *testing.T) {
	kinds := ScanKinds()

	assert.Len(t, kinds, 6)
	assert.Equal(t, DetectFormat, kinds[0])
	for _, k := range kinds {
		assert.True(t, IsScan(k), "kind %s should be a scan tool", k)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		result  string
		want    []string
		wantErr bool
	}{
		{
			name:   "indices prefer chinese name",
			kind:   SearchRelevantIndices,
			result: `{"indices":[{"name_cn":"植被覆盖度","name_en":"Vegetation cover"},{"name_en":"Runoff"}]}`,
			want:   []string{"植被覆盖度", "Runoff"},
		},
		{
			name:   "models",
			kind:   SearchRelevantModels,
			result: `{"models":[{"modelName":"SWAT"},{"modelName":""},{"modelName":"FLUS"}]}`,
			want:   []string{"SWAT", "FLUS"},
		},
		{
			name:   "other kinds have no labels",
			kind:   GetModelDetails,
			result: `{"name":"X"}`,
			want:   nil,
		},
		{
			name:    "malformed index payload",
			kind:    SearchRelevantIndices,
			result:  `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "malformed model payload",
			kind:    SearchRelevantModels,
			result:  `{"models":"SWAT"}`,
			wantErr: true,
		},
		{
			name:   "empty result",
			kind:   SearchRelevantModels,
			result: ``,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Summarize(tt.kind, json.RawMessage(tt.result))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "", ErrorText(nil))
	assert.Equal(t, "boom", ErrorText(json.RawMessage(`"boom"`)))
	assert.Equal(t, "quota exceeded", ErrorText(json.RawMessage(`{"error":{"message":"quota exceeded"}}`)))
	assert.Equal(t, `{"code":7}`, ErrorText(json.RawMessage(`{"code":7}`)))
}
