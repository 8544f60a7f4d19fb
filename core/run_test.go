package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floodModel() *ModelRecommendation {
	return &ModelRecommendation{
		Name: "HEC-RAS",
		Workflow: []WorkflowState{{
			Name: "prepare",
			Events: []WorkflowEvent{
				{Name: "load_terrain", Inputs: []WorkflowInput{{Name: "dem", Key: "dem_file", Type: "file"}}},
				{Name: "set_flow", Inputs: []WorkflowInput{{Name: "discharge", Type: "number"}}},
			},
		}},
	}
}

func TestBuildRunForm(t *testing.T) {
	form, err := BuildRunForm(floodModel(), RunInputs{
		"dem_file":  "/data/s1/dem.tif",
		"discharge": " 1200 ",
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"prepare@@@load_terrain@@@dem@@@file":     "/data/s1/dem.tif",
		"prepare@@@set_flow@@@discharge@@@number": "1200",
	}, form)
}

func TestBuildRunForm_Errors(t *testing.T) {
	_, err := BuildRunForm(nil, RunInputs{})
	assert.ErrorIs(t, err, ErrNoRecommendation)

	_, err = BuildRunForm(floodModel(), RunInputs{"dem_file": "/a", "discharge": "  "})
	require.ErrorIs(t, err, ErrMissingInputs)
	assert.Contains(t, err.Error(), "discharge")
}

func TestNewExecutionProgress(t *testing.T) {
	tests := []struct {
		name     string
		status   []string
		finished bool
		states   []StepState
	}{
		{
			name:   "not started",
			status: nil,
			states: []StepState{StepRunning, StepPending, StepPending, StepPending, StepPending},
		},
		{
			name:   "preprocessing",
			status: []string{"Check data format", "Data preprocessing"},
			states: []StepState{StepDone, StepRunning, StepPending, StepPending, StepPending},
		},
		{
			name:     "finished",
			status:   []string{"a", "b", "c", "d", "Model execution finished!"},
			finished: true,
			states:   []StepState{StepDone, StepDone, StepDone, StepDone, StepDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewExecutionProgress(tt.status)
			assert.Equal(t, tt.finished, p.Finished)
			require.Len(t, p.Steps, len(ExecutionSteps))
			for i, s := range p.Steps {
				assert.Equal(t, tt.states[i], s.State, "step %d", i)
			}
		})
	}
}

func TestNewExecutionProgress_BackendLabelsWin(t *testing.T) {
	p := NewExecutionProgress([]string{"Validating GeoTIFF"})

	assert.Equal(t, "Validating GeoTIFF", p.Steps[0].Label)
	assert.Equal(t, ExecutionSteps[1], p.Steps[1].Label)
}

func TestStore_RunModel(t *testing.T) {
	f := newStoreFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.store.RunModel(ctx, "", RunInputs{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	resp, err := f.store.Send(ctx, "flood depth for Wuhan")
	require.NoError(t, err)

	_, err = f.store.RunModel(ctx, "", RunInputs{})
	assert.ErrorIs(t, err, ErrNoRecommendation)

	stream := f.transport.next(t)
	require.True(t, stream.push(`{"type":"final","tool":"get_model_details","data":{"name":"HEC-RAS","workflow":[{"stateName":"prepare","events":[{"eventName":"load_terrain","inputs":[{"name":"dem","key":"dem_file","type":"file"}]}]}]}}`))
	f.waitFor(t, resp.SessionID, func(s SessionState) bool { return s.Phase == PhaseDone })

	f.backend.mu.Lock()
	f.backend.runStatus = []string{"Check data format", "Data preprocessing"}
	f.backend.mu.Unlock()

	progress, err := f.store.RunModel(ctx, "", RunInputs{"dem_file": "/data/s1/dem.tif"})
	require.NoError(t, err)
	assert.False(t, progress.Finished)
	assert.Equal(t, StepRunning, progress.Steps[1].State)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	require.Len(t, f.backend.runForms, 1)
	assert.Equal(t, "/data/s1/dem.tif", f.backend.runForms[0]["prepare@@@load_terrain@@@dem@@@file"])
}
