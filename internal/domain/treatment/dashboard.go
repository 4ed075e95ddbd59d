package treatment

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/protocol"
)

// FollowUp is the active stage of an active treatment.
type FollowUp struct {
	TreatmentID   uuid.UUID          `json:"treatment_id"`
	PatientID     uuid.UUID          `json:"patient_id"`
	PatientName   string             `json:"patient_name"`
	ProcedureName string             `json:"procedure_name"`
	Stage         int                `json:"stage"`
	StageTitle    string             `json:"stage_title"`
	DueAt         *time.Time         `json:"due_at,omitempty"`
	DueError      string             `json:"due_error,omitempty"`
	SLA           protocol.SLAStatus `json:"sla,omitempty"`
	DueToday      bool               `json:"due_today"`
	CanAdvance    bool               `json:"can_advance"`
	Progress      int                `json:"progress"`
}

// DashboardFilter narrows FollowUps. Zero values match everything.
type DashboardFilter struct {
	SLA      protocol.SLAStatus
	DueToday bool
}

func (f DashboardFilter) match(fu FollowUp) bool {
	if f.SLA != "" && fu.SLA != f.SLA {
		return false
	}
	if f.DueToday && !fu.DueToday {
		return false
	}
	return true
}

// FollowUps lists the active stage of every active treatment, earliest due
// first. Stages whose due date cannot be resolved come last.
func (s *Service) FollowUps(ctx context.Context, filter DashboardFilter) ([]FollowUp, error) {
	items, err := s.activeStages(ctx, s.now())
	if err != nil {
		return nil, err
	}

	names := map[uuid.UUID]string{}
	out := make([]FollowUp, 0, len(items))
	for _, fu := range items {
		if !filter.match(fu) {
			continue
		}
		name, ok := names[fu.PatientID]
		if !ok {
			p, err := s.patients.GetPatient(ctx, fu.PatientID)
			switch {
			case err == nil:
				name = p.Name
			case errors.Is(err, patient.ErrNotFound):
			default:
				return nil, s.storeErr("load_patient", err)
			}
			names[fu.PatientID] = name
		}
		fu.PatientName = name
		out = append(out, fu)
	}
	return out, nil
}

// activeStages computes the follow-ups of all active treatments at now,
// sorted by due date.
func (s *Service) activeStages(ctx context.Context, now time.Time) ([]FollowUp, error) {
	treatments, err := s.treatments.ListActive(ctx)
	if err != nil {
		return nil, s.storeErr("list_active", err)
	}

	items := make([]FollowUp, 0, len(treatments))
	for _, t := range treatments {
		n := t.ActiveStageNumber()
		st, err := t.Stage(n)
		if err != nil {
			continue
		}
		fu := FollowUp{
			TreatmentID:   t.ID,
			PatientID:     t.PatientID,
			ProcedureName: t.ProcedureName,
			Stage:         n,
			StageTitle:    st.Title,
			CanAdvance:    protocol.CanAdvance(st, t.Data(n)),
			Progress:      t.Progress,
		}
		if due, err := s.dueDate(t, st); err != nil {
			fu.DueError = DueErrorInvalidDate
		} else {
			fu.DueAt = &due
			fu.SLA = s.classifier.Classify(due, now)
			fu.DueToday = s.classifier.DueToday(due, now)
		}
		items = append(items, fu)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].DueAt, items[j].DueAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return items, nil
}
