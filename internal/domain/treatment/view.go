package treatment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/notification"
)

// DueErrorInvalidDate is shown instead of a due date when a stage's timing
// rule cannot be resolved.
const DueErrorInvalidDate = "invalid date"

// StageView is one stage as the operator sees it. SLA, gate and message are
// only filled for the active stage.
type StageView struct {
	Number       int                 `json:"number"`
	Title        string              `json:"title"`
	Timing       protocol.TimingRule `json:"timing"`
	Actions      []protocol.Action   `json:"actions"`
	RequestMedia bool                `json:"request_media"`
	State        protocol.StageState `json:"state"`
	DueAt        *time.Time          `json:"due_at,omitempty"`
	DueError     string              `json:"due_error,omitempty"`
	DueToday     bool                `json:"due_today"`
	SLA          protocol.SLAStatus  `json:"sla,omitempty"`
	Data         *protocol.StageData `json:"data"`

	Gate       *protocol.Gate                `json:"gate,omitempty"`
	CanAdvance bool                          `json:"can_advance"`
	Message    *notification.RenderedMessage `json:"message,omitempty"`
}

// TreatmentView is a treatment annotated for display.
type TreatmentView struct {
	*Treatment
	PatientName string      `json:"patient_name"`
	ActiveStage int         `json:"active_stage"`
	Stages      []StageView `json:"stages"`
}

// View loads a treatment and annotates every stage with its state, due
// date and, for the active stage, SLA class, gate report and message.
func (s *Service) View(ctx context.Context, id uuid.UUID) (*TreatmentView, error) {
	t, err := s.load(ctx, id, "view")
	if err != nil {
		return nil, err
	}
	return s.ViewOf(ctx, t)
}

// ViewOf annotates an already loaded treatment.
func (s *Service) ViewOf(ctx context.Context, t *Treatment) (*TreatmentView, error) {
	p, err := s.patientOf(ctx, t)
	if err != nil {
		return nil, err
	}
	return s.buildView(t, p, s.now()), nil
}

// patientOf returns nil without error when the patient record is gone.
func (s *Service) patientOf(ctx context.Context, t *Treatment) (*patient.Patient, error) {
	p, err := s.patients.GetPatient(ctx, t.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storeErr("load_patient", err)
	}
	return p, nil
}

func (s *Service) buildView(t *Treatment, p *patient.Patient, now time.Time) *TreatmentView {
	v := &TreatmentView{
		Treatment:   t,
		ActiveStage: t.ActiveStageNumber(),
		Stages:      make([]StageView, 0, len(t.Scripts)),
	}
	if p != nil {
		v.PatientName = p.Name
	}

	for _, st := range t.Scripts {
		sv := StageView{
			Number:       st.Number,
			Title:        st.Title,
			Timing:       st.Timing,
			Actions:      st.Actions,
			RequestMedia: st.RequestMedia,
			State:        t.StageState(st.Number),
			Data:         t.Data(st.Number),
		}
		// A bad timing rule only affects its own stage.
		due, err := s.dueDate(t, st)
		if err != nil {
			sv.DueError = DueErrorInvalidDate
		} else {
			sv.DueAt = &due
			sv.DueToday = s.classifier.DueToday(due, now)
		}

		if sv.State == protocol.StageActive && t.Status == protocol.StatusActive {
			if sv.DueAt != nil {
				sv.SLA = s.classifier.Classify(due, now)
			}
			gate := protocol.GateReport(st, sv.Data)
			sv.Gate = &gate
			sv.CanAdvance = gate.CanAdvance
			msg := s.compose(t, p, st)
			sv.Message = &msg
		}
		v.Stages = append(v.Stages, sv)
	}
	return v
}

// RenderMessage renders the message of any stage of the treatment for
// manual sending.
func (s *Service) RenderMessage(ctx context.Context, id uuid.UUID, stage int) (*notification.RenderedMessage, error) {
	t, err := s.load(ctx, id, "render_message")
	if err != nil {
		return nil, err
	}
	st, err := t.Stage(stage)
	if err != nil {
		return nil, err
	}
	p, err := s.patientOf(ctx, t)
	if err != nil {
		return nil, err
	}
	msg := s.compose(t, p, st)
	return &msg, nil
}

func (s *Service) compose(t *Treatment, p *patient.Patient, st protocol.ScriptStage) notification.RenderedMessage {
	data := map[string]string{
		notification.KeyProcedureName: t.ProcedureName,
		notification.KeyStageTitle:    st.Title,
	}
	var phone string
	if p != nil {
		data[notification.KeyPatientName] = p.Name
		phone = p.Phone
	}
	return s.renderer.Compose(st.Message, phone, data)
}
