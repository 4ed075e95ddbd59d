package protocol

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle status of a treatment.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// StageState is the position of a stage relative to the active one.
type StageState string

const (
	StageCompleted StageState = "completed"
	StageActive    StageState = "active"
	StageFuture    StageState = "future"
)

// SurveyStatus is the state of the post-protocol satisfaction survey.
type SurveyStatus string

const (
	SurveyPending   SurveyStatus = "pending"
	SurveySent      SurveyStatus = "sent"
	SurveyResponded SurveyStatus = "responded"
)

// Survey is the survey sub-machine. It only moves once the run is completed.
type Survey struct {
	Status      SurveyStatus `json:"status"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// Run is the progression state of a protocol: which stages are done, the
// per-stage data and the survey.
type Run struct {
	Scripts        []ScriptStage         `json:"scripts"`
	HasSurvey      bool                  `json:"has_survey"`
	Status         Status                `json:"status"`
	TasksCompleted int                   `json:"tasks_completed"`
	TotalTasks     int                   `json:"total_tasks"`
	Progress       int                   `json:"progress"`
	StageData      map[string]*StageData `json:"stage_data"`
	Survey         Survey                `json:"survey"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// NewRun starts a run at stage 1. Stages are renumbered 1..N in order.
func NewRun(scripts []ScriptStage, hasSurvey bool) Run {
	stages := make([]ScriptStage, len(scripts))
	copy(stages, scripts)
	for i := range stages {
		stages[i].Number = i + 1
	}
	return Run{
		Scripts:    stages,
		HasSurvey:  hasSurvey,
		Status:     StatusActive,
		TotalTasks: len(stages),
		StageData:  map[string]*StageData{},
		Survey:     Survey{Status: SurveyPending},
	}
}

// ProgressPercent is round(completed / total * 100), half away from zero.
func ProgressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// ActiveStageNumber returns tasks_completed + 1, or 0 when every stage is
// done. All views derive the active stage from this function.
func (r *Run) ActiveStageNumber() int {
	if r.TasksCompleted >= r.TotalTasks {
		return 0
	}
	return r.TasksCompleted + 1
}

// Stage returns the stage with the given 1-based number.
func (r *Run) Stage(n int) (ScriptStage, error) {
	if n < 1 || n > len(r.Scripts) {
		return ScriptStage{}, fmt.Errorf("%w: %d", ErrUnknownStage, n)
	}
	return r.Scripts[n-1], nil
}

// StageState places stage n relative to the active stage.
func (r *Run) StageState(n int) StageState {
	switch {
	case n <= r.TasksCompleted:
		return StageCompleted
	case n == r.TasksCompleted+1:
		return StageActive
	default:
		return StageFuture
	}
}

// Data returns the stage data of stage n. Missing data reads as empty.
func (r *Run) Data(n int) *StageData {
	if d, ok := r.StageData[StageKey(n)]; ok && d != nil {
		return d
	}
	return NewStageData()
}

// MutateStage applies fn to a copy of the active stage's data and stores the
// copy only when fn succeeds.
func (r *Run) MutateStage(n int, fn func(stage ScriptStage, data *StageData) error) error {
	stage, err := r.Stage(n)
	if err != nil {
		return err
	}
	if r.Status == StatusCompleted {
		return ErrTreatmentAlreadyComplete
	}
	if r.StageState(n) != StageActive {
		return fmt.Errorf("%w: stage %d is %s", ErrStageNotActive, n, r.StageState(n))
	}
	data := r.Data(n).Clone()
	if err := fn(stage, data); err != nil {
		return err
	}
	if r.StageData == nil {
		r.StageData = map[string]*StageData{}
	}
	r.StageData[StageKey(n)] = data
	return nil
}

// Advance completes stage n. It must be the active stage and its gate must
// hold.
func (r *Run) Advance(n int, now time.Time) error {
	stage, err := r.Stage(n)
	if err != nil {
		return err
	}
	if r.Status == StatusCompleted {
		return ErrTreatmentAlreadyComplete
	}
	if r.StageState(n) != StageActive {
		return fmt.Errorf("%w: stage %d is %s", ErrStageNotActive, n, r.StageState(n))
	}
	if !CanAdvance(stage, r.Data(n)) {
		return fmt.Errorf("%w: stage %d", ErrStageGateNotSatisfied, n)
	}

	r.TasksCompleted++
	r.Progress = ProgressPercent(r.TasksCompleted, r.TotalTasks)
	if r.TasksCompleted == r.TotalTasks {
		r.Status = StatusCompleted
		r.CompletedAt = &now
	}
	return nil
}

// SendSurvey moves the survey from pending to sent.
func (r *Run) SendSurvey(now time.Time) error {
	if err := r.surveyAvailable(); err != nil {
		return err
	}
	if r.Survey.Status != SurveyPending && r.Survey.Status != "" {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSurveyTransition, r.Survey.Status, SurveySent)
	}
	r.Survey.Status = SurveySent
	r.Survey.SentAt = &now
	return nil
}

// RegisterSurveyResponse moves the survey from sent to responded.
func (r *Run) RegisterSurveyResponse(now time.Time) error {
	if err := r.surveyAvailable(); err != nil {
		return err
	}
	if r.Survey.Status != SurveySent {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSurveyTransition, r.Survey.Status, SurveyResponded)
	}
	r.Survey.Status = SurveyResponded
	r.Survey.RespondedAt = &now
	return nil
}

func (r *Run) surveyAvailable() error {
	if !r.HasSurvey {
		return fmt.Errorf("%w: procedure has no survey", ErrSurveyNotAvailable)
	}
	if r.Status != StatusCompleted {
		return fmt.Errorf("%w: protocol not completed", ErrSurveyNotAvailable)
	}
	return nil
}
