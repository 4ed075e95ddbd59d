package procedure

import (
	"context"

	"github.com/google/uuid"
)

type Service struct {
	procedures ProcedureRepository
}

func NewService(procedures ProcedureRepository) *Service {
	return &Service{procedures: procedures}
}

func (s *Service) CreateProcedure(ctx context.Context, p *Procedure) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	return s.procedures.Create(ctx, p)
}

func (s *Service) GetProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return s.procedures.GetByID(ctx, id)
}

// UpdateProcedure replaces the template. Treatments already started keep the
// stages they were created with.
func (s *Service) UpdateProcedure(ctx context.Context, p *Procedure) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	return s.procedures.Update(ctx, p)
}

func (s *Service) DeleteProcedure(ctx context.Context, id uuid.UUID) error {
	return s.procedures.Delete(ctx, id)
}

func (s *Service) ListProcedures(ctx context.Context, limit, offset int) ([]*Procedure, int, error) {
	return s.procedures.List(ctx, limit, offset)
}
