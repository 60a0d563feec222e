package flow

import (
	"context"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/google/uuid"
)

type FlowService struct {
	storage persistence.FlowStorage
	now     func() time.Time
}

func NewFlowService(storage persistence.FlowStorage) *FlowService {
	return &FlowService{
		storage: storage,
		now:     time.Now,
	}
}

func (s *FlowService) Save(ctx context.Context, f *model.Flow) error {
	if err := Validate(f.Graph); err != nil {
		return err
	}
	now := s.now().UTC()
	if f.Id == "" {
		f.Id = uuid.New().String()
		f.CreatedAt = now
	} else if old, err := s.storage.GetFlow(ctx, f.Id); err == nil {
		f.CreatedAt = old.CreatedAt
		f.Version = old.Version
	}
	f.Version++
	f.UpdatedAt = now
	return s.storage.SaveFlow(ctx, f)
}

func (s *FlowService) Get(ctx context.Context, id string) (*model.Flow, error) {
	return s.storage.GetFlow(ctx, id)
}

// Import stores an exported artifact as a new flow of the owner.
func (s *FlowService) Import(ctx context.Context, ownerId string, name string, data []byte) (*model.Flow, error) {
	def, err := Import(data)
	if err != nil {
		return nil, err
	}
	f := &model.Flow{
		OwnerId: ownerId,
		Name:    name,
		Graph:   *def,
	}
	if err := s.Save(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FlowService) Export(ctx context.Context, id string) ([]byte, error) {
	f, err := s.storage.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	return Export(f.Graph)
}
