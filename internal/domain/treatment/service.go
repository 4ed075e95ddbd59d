package treatment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/followup/internal/domain/audit"
	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/procedure"
	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/blobstore"
	"github.com/clinicflow/followup/internal/platform/db"
	"github.com/clinicflow/followup/internal/platform/notification"
)

// PatientSource supplies patient names, phones and procedure dates.
type PatientSource interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// ProcedureSource supplies the templates treatments are created from.
type ProcedureSource interface {
	GetProcedure(ctx context.Context, id uuid.UUID) (*procedure.Procedure, error)
}

// AuditLog records and lists treatment history.
type AuditLog interface {
	audit.Sink
	audit.Reader
}

// Metrics receives treatment counters and SLA gauges.
type Metrics interface {
	TreatmentCreated()
	TreatmentDeleted()
	StageCompleted(sla string)
	StageMutated(intent string)
	PersistenceFailure(operation string)
	VersionConflict(operation string)
	SetActiveStages(counts map[string]int, dueToday int, at time.Time)
}

type nopMetrics struct{}

func (nopMetrics) TreatmentCreated()                              {}
func (nopMetrics) TreatmentDeleted()                              {}
func (nopMetrics) StageCompleted(string)                          {}
func (nopMetrics) StageMutated(string)                            {}
func (nopMetrics) PersistenceFailure(string)                      {}
func (nopMetrics) VersionConflict(string)                         {}
func (nopMetrics) SetActiveStages(map[string]int, int, time.Time) {}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

const defaultRetries = 3

// Service runs treatments through their follow-up protocol. Every mutation
// is a versioned read-modify-write retried on conflict.
type Service struct {
	treatments TreatmentRepository
	patients   PatientSource
	procedures ProcedureSource
	history    AuditLog
	tx         db.TxRunner
	logger     zerolog.Logger

	classifier protocol.Classifier
	renderer   *notification.Renderer
	blobs      blobstore.BlobStore
	metrics    Metrics
	retries    int
	now        func() time.Time
}

// NewService wires the treatment service. tx may be nil, in which case
// mutations and their history entries are written without a transaction.
func NewService(treatments TreatmentRepository, patients PatientSource, procedures ProcedureSource,
	history AuditLog, tx db.TxRunner, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = noTx{}
	}
	return &Service{
		treatments: treatments,
		patients:   patients,
		procedures: procedures,
		history:    history,
		tx:         tx,
		logger:     logger.With().Str("component", "treatment").Logger(),
		classifier: protocol.NewClassifier(protocol.DefaultWarningThreshold, time.UTC),
		renderer:   notification.NewRenderer("", ""),
		metrics:    nopMetrics{},
		retries:    defaultRetries,
		now:        time.Now,
	}
}

// SetClassifier sets the SLA threshold and clinic time zone.
func (s *Service) SetClassifier(c protocol.Classifier) { s.classifier = c }

// SetRetries sets how many times a mutation is re-applied after a version
// conflict.
func (s *Service) SetRetries(n int) {
	if n >= 0 {
		s.retries = n
	}
}

// SetRenderer sets the renderer for stage messages.
func (s *Service) SetRenderer(r *notification.Renderer) { s.renderer = r }

// SetBlobStore enables photo uploads.
func (s *Service) SetBlobStore(b blobstore.BlobStore) { s.blobs = b }

func (s *Service) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
}

// storeErr wraps a store failure, logs it and counts it.
func (s *Service) storeErr(op string, err error) error {
	s.metrics.PersistenceFailure(op)
	s.logger.Error().Err(err).Str("operation", op).Msg("treatment store failure")
	return &PersistenceError{Op: op, Err: err}
}

func (s *Service) load(ctx context.Context, id uuid.UUID, op string) (*Treatment, error) {
	t, err := s.treatments.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func (s *Service) CreateTreatment(ctx context.Context, req CreateRequest) (*Treatment, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if req.ProcedureID == uuid.Nil {
		return nil, fmt.Errorf("%w: procedure_id is required", ErrInvalidRequest)
	}

	p, err := s.patients.GetPatient(ctx, req.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.storeErr("load_patient", err)
	}
	proc, err := s.procedures.GetProcedure(ctx, req.ProcedureID)
	if errors.Is(err, procedure.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.storeErr("load_procedure", err)
	}
	if len(proc.Scripts) == 0 {
		return nil, fmt.Errorf("%w: procedure %q has no stages", ErrInvalidRequest, proc.Name)
	}

	existing, err := s.treatments.FindActive(ctx, p.ID, proc.ID)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateActiveTreatment, proc.Name)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, s.storeErr("find_active", err)
	}

	startedAt := s.now()
	if req.StartedAt != nil {
		startedAt = *req.StartedAt
	}
	reference := startedAt
	if p.ProcedureDate != nil {
		reference = *p.ProcedureDate
	}

	t := &Treatment{
		ID:            uuid.New(),
		PatientID:     p.ID,
		ProcedureID:   proc.ID,
		ProcedureName: proc.Name,
		Run:           protocol.NewRun(proc.Scripts, proc.HasSurvey),
		StartedAt:     startedAt.UTC(),
		ReferenceAt:   reference.UTC(),
		Version:       1,
	}
	entry := &audit.Entry{
		TreatmentID: t.ID,
		Action:      audit.ActionTreatmentCreated,
		Description: fmt.Sprintf("Treatment started for %s", proc.Name),
		Metadata:    map[string]string{"procedure_id": proc.ID.String()},
		Timestamp:   s.now(),
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Create(ctx, t); err != nil {
			return err
		}
		return s.history.Append(ctx, entry)
	})
	if errors.Is(err, ErrDuplicateActiveTreatment) {
		return nil, err
	}
	if err != nil {
		return nil, s.storeErr("create", err)
	}

	s.metrics.TreatmentCreated()
	s.logger.Info().
		Str("treatment_id", t.ID.String()).
		Str("patient_id", t.PatientID.String()).
		Str("procedure", t.ProcedureName).
		Int("stages", t.TotalTasks).
		Msg("treatment created")
	return t, nil
}

func (s *Service) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.load(ctx, id, "get")
}

// ListByPatient returns the patient's treatment history, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, err
		}
		return nil, s.storeErr("load_patient", err)
	}
	items, err := s.treatments.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, s.storeErr("list_by_patient", err)
	}
	return items, nil
}

// DeleteTreatment removes a treatment and its history. Stored photos are
// removed afterwards on a best-effort basis.
func (s *Service) DeleteTreatment(ctx context.Context, id uuid.UUID, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.history.DeleteByTreatment(ctx, id); err != nil {
			return err
		}
		return s.treatments.Delete(ctx, id)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return s.storeErr("delete", err)
	}
	s.metrics.TreatmentDeleted()
	s.logger.Info().Str("treatment_id", id.String()).Msg("treatment deleted")
	s.removePhotos(ctx, id)
	return nil
}

func (s *Service) removePhotos(ctx context.Context, id uuid.UUID) {
	if s.blobs == nil {
		return
	}
	photos, err := s.blobs.ListByTreatment(ctx, id.String())
	if err != nil {
		s.logger.Warn().Err(err).Str("treatment_id", id.String()).Msg("listing photos for removal")
		return
	}
	for _, p := range photos {
		if err := s.blobs.Delete(ctx, p.Key); err != nil {
			s.logger.Warn().Err(err).Str("key", p.Key).Msg("removing photo")
		}
	}
}

// History returns the treatment's audit entries, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	if _, err := s.load(ctx, id, "history"); err != nil {
		return nil, err
	}
	items, err := s.history.ListByTreatment(ctx, id)
	if err != nil {
		return nil, s.storeErr("history", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Stage mutations
// ---------------------------------------------------------------------------

// mutate loads the treatment, applies change and writes it with store,
// together with the history entry change returns, if any. A version
// conflict reloads and re-applies change; intents are absolute, so this is
// safe.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string,
	change func(t *Treatment, now time.Time) (*audit.Entry, error),
	store func(ctx context.Context, t *Treatment) error,
) (*Treatment, error) {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		var t *Treatment
		if t, err = s.load(ctx, id, op); err != nil {
			return nil, err
		}
		now := s.now()
		entry, cerr := change(t, now)
		if cerr != nil {
			return nil, cerr
		}
		if entry != nil {
			entry.TreatmentID = t.ID
			entry.Timestamp = now
		}

		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := store(ctx, t); err != nil {
				return err
			}
			if entry == nil {
				return nil
			}
			return s.history.Append(ctx, entry)
		})
		switch {
		case err == nil:
			s.metrics.StageMutated(op)
			return t, nil
		case errors.Is(err, ErrVersionConflict):
			s.metrics.VersionConflict(op)
			s.logger.Debug().
				Str("treatment_id", id.String()).
				Str("operation", op).
				Int("attempt", attempt+1).
				Msg("version conflict, retrying")
		case errors.Is(err, ErrNotFound):
			return nil, err
		default:
			return nil, s.storeErr(op, err)
		}
	}
	s.logger.Warn().Str("treatment_id", id.String()).Str("operation", op).Msg("giving up after version conflicts")
	return nil, err
}

func stageMeta(stage int) map[string]string {
	return map[string]string{"stage": strconv.Itoa(stage)}
}

// SetChecklistItem checks or unchecks a checklist action of the active stage.
func (s *Service) SetChecklistItem(ctx context.Context, id uuid.UUID, stage int, actionID string, checked bool) (*Treatment, error) {
	return s.mutate(ctx, id, "checklist",
		func(t *Treatment, _ time.Time) (*audit.Entry, error) {
			return nil, t.MutateStage(stage, func(st protocol.ScriptStage, d *protocol.StageData) error {
				return d.SetChecklistItem(st, actionID, checked)
			})
		},
		s.treatments.UpdateStageData)
}

// RegisterMessageSent records that the operator sent the stage message.
func (s *Service) RegisterMessageSent(ctx context.Context, id uuid.UUID, stage int) (*Treatment, error) {
	return s.mutate(ctx, id, "message_sent",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			var title string
			err := t.MutateStage(stage, func(st protocol.ScriptStage, d *protocol.StageData) error {
				title = st.Title
				d.RegisterMessageSent(now)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &audit.Entry{
				Action:      audit.ActionMessageRegistered,
				Description: fmt.Sprintf("Message sent for stage %d (%s)", stage, title),
				Metadata:    stageMeta(stage),
			}, nil
		},
		s.treatments.UpdateStageData)
}

// RegisterResponse records whether the patient answered the stage message.
func (s *Service) RegisterResponse(ctx context.Context, id uuid.UUID, stage int, responded bool, content string) (*Treatment, error) {
	return s.mutate(ctx, id, "response",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			return nil, t.MutateStage(stage, func(_ protocol.ScriptStage, d *protocol.StageData) error {
				return d.RegisterResponse(responded, content, now)
			})
		},
		s.treatments.UpdateStageData)
}

// RegisterPhotoRequest records that photos were requested from the patient.
func (s *Service) RegisterPhotoRequest(ctx context.Context, id uuid.UUID, stage int) (*Treatment, error) {
	return s.mutate(ctx, id, "photo_request",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			err := t.MutateStage(stage, func(st protocol.ScriptStage, d *protocol.StageData) error {
				return d.RegisterPhotoRequest(st, now)
			})
			if err != nil {
				return nil, err
			}
			return &audit.Entry{
				Action:      audit.ActionPhotoRequested,
				Description: fmt.Sprintf("Photos requested for stage %d", stage),
				Metadata:    stageMeta(stage),
			}, nil
		},
		s.treatments.UpdateStageData)
}

// RegisterPhotoResponse records a received (with its URL) or refused photo.
func (s *Service) RegisterPhotoResponse(ctx context.Context, id uuid.UUID, stage int, status protocol.PhotoStatus, url string) (*Treatment, error) {
	return s.mutate(ctx, id, "photo_response",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			return nil, t.MutateStage(stage, func(st protocol.ScriptStage, d *protocol.StageData) error {
				return d.RegisterPhotoResponse(st, status, url, now)
			})
		},
		s.treatments.UpdateStageData)
}

// UploadPhoto stores a photo and registers it as received on the stage.
// The photo is removed again when the registration fails.
func (s *Service) UploadPhoto(ctx context.Context, id uuid.UUID, stage int, fileName, contentType string, content io.Reader) (*Treatment, error) {
	if s.blobs == nil {
		return nil, ErrPhotoStorageUnavailable
	}
	t, err := s.load(ctx, id, "upload_photo")
	if err != nil {
		return nil, err
	}
	err = t.MutateStage(stage, func(st protocol.ScriptStage, _ *protocol.StageData) error {
		if !protocol.RequiresPhoto(st) {
			return protocol.ErrPhotoNotRequired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		TreatmentID: id.String(),
		Stage:       stage,
	}, content)
	if err != nil {
		if isPhotoValidation(err) {
			return nil, err
		}
		return nil, s.storeErr("upload_photo", err)
	}

	t, err = s.RegisterPhotoResponse(ctx, id, stage, protocol.PhotoReceived, meta.URL)
	if err != nil {
		if derr := s.blobs.Delete(ctx, meta.Key); derr != nil {
			s.logger.Warn().Err(derr).Str("key", meta.Key).Msg("removing orphaned photo")
		}
		return nil, err
	}
	return t, nil
}

func isPhotoValidation(err error) bool {
	return errors.Is(err, blobstore.ErrFileTooLarge) ||
		errors.Is(err, blobstore.ErrInvalidContentType) ||
		errors.Is(err, blobstore.ErrMissingFileName)
}

// CompleteStage advances past the active stage once its gate holds. The
// stage's SLA class at completion time is recorded in the history.
func (s *Service) CompleteStage(ctx context.Context, id uuid.UUID, stage int) (*Treatment, error) {
	var sla string
	t, err := s.mutate(ctx, id, "complete",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			st, err := t.Stage(stage)
			if err != nil {
				return nil, err
			}
			sla = "unknown"
			if due, err := s.dueDate(t, st); err == nil {
				sla = string(s.classifier.Classify(due, now))
			}
			if err := t.Advance(stage, now); err != nil {
				return nil, err
			}
			meta := stageMeta(stage)
			meta["sla"] = sla
			meta["progress"] = strconv.Itoa(t.Progress)
			return &audit.Entry{
				Action:      audit.ActionStageCompleted,
				Description: fmt.Sprintf("Stage %d completed (%s)", stage, st.Title),
				Metadata:    meta,
			}, nil
		},
		s.treatments.UpdateProgress)
	if err != nil {
		return nil, err
	}

	s.metrics.StageCompleted(sla)
	ev := s.logger.Info().
		Str("treatment_id", id.String()).
		Int("stage", stage).
		Str("sla", sla).
		Int("progress", t.Progress)
	if t.Status == protocol.StatusCompleted {
		ev = ev.Bool("protocol_completed", true)
	}
	ev.Msg("stage completed")
	return t, nil
}

// SendSurvey marks the satisfaction survey as sent.
func (s *Service) SendSurvey(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.mutate(ctx, id, "survey_sent",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			if err := t.SendSurvey(now); err != nil {
				return nil, err
			}
			return &audit.Entry{Action: audit.ActionSurveySent, Description: "Satisfaction survey sent"}, nil
		},
		s.treatments.UpdateSurvey)
}

// RegisterSurveyResponse marks the satisfaction survey as answered.
func (s *Service) RegisterSurveyResponse(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.mutate(ctx, id, "survey_response",
		func(t *Treatment, now time.Time) (*audit.Entry, error) {
			if err := t.RegisterSurveyResponse(now); err != nil {
				return nil, err
			}
			return &audit.Entry{Action: audit.ActionSurveyResponded, Description: "Satisfaction survey answered"}, nil
		},
		s.treatments.UpdateSurvey)
}

// dueDate resolves a stage against the treatment's reference date in the
// clinic's time zone.
func (s *Service) dueDate(t *Treatment, st protocol.ScriptStage) (time.Time, error) {
	loc := s.classifier.Location
	if loc == nil {
		loc = time.UTC
	}
	return protocol.ResolveDueDate(t.ReferenceAt.In(loc), st.Timing)
}
