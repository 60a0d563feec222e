package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrKeywordConflict = errors.New("keyword already used by another active automation")
var ErrNoKeywords = errors.New("keyword automation needs at least one keyword")

// AutomationService owns automation persistence and activation rules.
type AutomationService struct {
	storage persistence.FlowStorage
	// activation is check-then-write over several automations
	mu  sync.Mutex
	now func() time.Time
}

func NewAutomationService(storage persistence.FlowStorage) *AutomationService {
	return &AutomationService{
		storage: storage,
		now:     time.Now,
	}
}

func NormalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		n := NormalizeKeyword(k)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Save validates and stores the automation. An automation saved as active
// goes through the same checks as Activate.
func (s *AutomationService) Save(ctx context.Context, a *model.Automation) error {
	if err := Validate(a.Graph); err != nil {
		return err
	}
	a.TriggerKeywords = normalizeKeywords(a.TriggerKeywords)
	now := s.now().UTC()
	if a.Id == "" {
		a.Id = uuid.New().String()
		a.CreatedAt = now
	} else if old, err := s.storage.GetAutomation(ctx, a.Id); err == nil {
		a.CreatedAt = old.CreatedAt
		a.Version = old.Version
	}
	a.Version++
	a.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IsActive {
		if err := s.prepareActivation(ctx, a); err != nil {
			return err
		}
	}
	return s.storage.SaveAutomation(ctx, a)
}

func (s *AutomationService) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.storage.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	if a.IsActive {
		return nil
	}
	if err := s.prepareActivation(ctx, a); err != nil {
		return err
	}
	a.IsActive = true
	a.UpdatedAt = s.now().UTC()
	return s.storage.SaveAutomation(ctx, a)
}

func (s *AutomationService) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.storage.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	if !a.IsActive {
		return nil
	}
	a.IsActive = false
	a.UpdatedAt = s.now().UTC()
	return s.storage.SaveAutomation(ctx, a)
}

// prepareActivation rejects keyword overlaps and deactivates competing
// message automations. Caller holds mu.
func (s *AutomationService) prepareActivation(ctx context.Context, a *model.Automation) error {
	siblings, err := s.storage.ListAutomations(ctx, a.OwnerId)
	if err != nil {
		return err
	}
	switch a.TriggerType {
	case model.TRIGGER_KEYWORD:
		if len(a.TriggerKeywords) == 0 {
			return ErrNoKeywords
		}
		own := make(map[string]bool, len(a.TriggerKeywords))
		for _, k := range a.TriggerKeywords {
			own[NormalizeKeyword(k)] = true
		}
		for _, other := range siblings {
			if other.Id == a.Id || !other.IsActive || other.TriggerType != model.TRIGGER_KEYWORD {
				continue
			}
			for _, k := range other.TriggerKeywords {
				if own[NormalizeKeyword(k)] {
					return fmt.Errorf("%w: %q (automation %s)", ErrKeywordConflict, k, other.Id)
				}
			}
		}
	case model.TRIGGER_MESSAGE:
		for _, other := range siblings {
			if other.Id == a.Id || !other.IsActive || other.TriggerType != model.TRIGGER_MESSAGE {
				continue
			}
			other.IsActive = false
			other.UpdatedAt = s.now().UTC()
			if err := s.storage.SaveAutomation(ctx, other); err != nil {
				return err
			}
			logger.Info("deactivated sibling message automation", zap.String("owner", a.OwnerId), zap.String("automation", other.Id), zap.String("activated", a.Id))
		}
	}
	return nil
}

func (s *AutomationService) Get(ctx context.Context, id string) (*model.Automation, error) {
	return s.storage.GetAutomation(ctx, id)
}

// Active returns the owner's active automations of the given trigger type in
// creation order.
func (s *AutomationService) Active(ctx context.Context, ownerId string, triggerType model.TriggerType) ([]*model.Automation, error) {
	all, err := s.storage.ListAutomations(ctx, ownerId)
	if err != nil {
		return nil, err
	}
	var out []*model.Automation
	for _, a := range all {
		if a.IsActive && a.TriggerType == triggerType {
			out = append(out, a)
		}
	}
	return out, nil
}
