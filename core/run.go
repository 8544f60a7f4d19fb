package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoRecommendation is returned when a run is requested before the
	// session has a recommended model.
	ErrNoRecommendation = errors.New("session has no recommended model")
	// ErrMissingInputs is returned when a workflow input has no value.
	ErrMissingInputs = errors.New("missing model inputs")
)

// RunInputs maps workflow input keys (names when a key is missing) to
// uploaded file paths or literal values.
type RunInputs map[string]string

// BuildRunForm turns inputs into the run form of rec. Every workflow input
// needs a value.
func BuildRunForm(rec *ModelRecommendation, inputs RunInputs) (map[string]string, error) {
	if rec == nil {
		return nil, ErrNoRecommendation
	}

	form := make(map[string]string)
	var missing []string
	for _, slot := range rec.Inputs() {
		key := firstNonEmpty(slot.Input.Key, slot.Input.Name)
		value := strings.TrimSpace(inputs[key])
		if value == "" {
			missing = append(missing, key)
			continue
		}
		form[slot.FormKey()] = value
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInputs, strings.Join(missing, ", "))
	}
	return form, nil
}

// StepState is the display state of one execution step.
type StepState string

const (
	StepPending StepState = "pending"
	StepRunning StepState = "running"
	StepDone    StepState = "done"
)

// ExecutionSteps are the default labels of a model run.
var ExecutionSteps = []string{
	"Check data format",
	"Data preprocessing",
	"Model core computing",
	"Output result generation in progress",
	"Model execution finished!",
}

// ExecutionStep is one line of the run progress.
type ExecutionStep struct {
	Label string    `json:"label"`
	State StepState `json:"state"`
}

// ExecutionProgress is the run progress as reported by the backend status
// list. Backend labels override the default ones position by position.
type ExecutionProgress struct {
	Status   []string        `json:"status"`
	Finished bool            `json:"finished"`
	Steps    []ExecutionStep `json:"steps"`
}

// NewExecutionProgress computes the progress for a status list. The run is
// finished once the last status ends with "finished!".
func NewExecutionProgress(status []string) ExecutionProgress {
	finished := len(status) > 0 && strings.HasSuffix(status[len(status)-1], "finished!")
	current := len(status) - 1
	if current < 0 {
		current = 0
	}
	if finished {
		current = len(status)
	}

	steps := make([]ExecutionStep, len(ExecutionSteps))
	for i, label := range ExecutionSteps {
		if i < len(status) && status[i] != "" {
			label = status[i]
		}
		state := StepPending
		switch {
		case finished || i < current:
			state = StepDone
		case i == current:
			state = StepRunning
		}
		steps[i] = ExecutionStep{Label: label, State: state}
	}

	return ExecutionProgress{
		Status:   append([]string(nil), status...),
		Finished: finished,
		Steps:    steps,
	}
}

// RunModel runs the session's recommended model with inputs. An empty
// sessionID means the active session.
func (s *Store) RunModel(ctx context.Context, sessionID string, inputs RunInputs) (ExecutionProgress, error) {
	if sessionID == "" {
		sessionID = s.ActiveSession()
	}
	snap, ok := s.Snapshot(sessionID)
	if !ok {
		return ExecutionProgress{}, fmt.Errorf("run model %s: %w", sessionID, ErrSessionNotFound)
	}

	form, err := BuildRunForm(snap.State.Session.RecommendedModel, inputs)
	if err != nil {
		return ExecutionProgress{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"sessionID":  sessionID,
		"model":      snap.State.Session.RecommendedModel.Name,
		"inputCount": len(form),
	}).Info("Running recommended model")

	result, err := s.backend.RunModel(ctx, sessionID, form)
	if err != nil {
		s.logger.WithError(err).WithField("sessionID", sessionID).Error("Model run failed")
		return ExecutionProgress{}, err
	}
	return NewExecutionProgress(result.Status), nil
}
