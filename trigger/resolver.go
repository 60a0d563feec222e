package trigger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"go.uber.org/zap"
)

var ErrBadPhone = errors.New("inbound event has no usable phone")
var ErrNoOwner = errors.New("inbound event has no owner")

type DecisionKind string

const DECISION_KEYWORD DecisionKind = "keyword"
const DECISION_RESUME DecisionKind = "resume"
const DECISION_FALLBACK DecisionKind = "fallback"
const DECISION_PROTECTED DecisionKind = "protected"
const DECISION_IGNORED DecisionKind = "ignored"

type Decision struct {
	Kind         DecisionKind       `json:"kind"`
	AutomationId string             `json:"automationId,omitempty"`
	Session      *model.FlowSession `json:"session,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// Resolver decides what an inbound message does: resume a waiting session,
// start a keyword or fallback automation, or nothing.
type Resolver struct {
	engine      *engine.Engine
	automations *flow.AutomationService
	storage     persistence.Storage
	conf        config.TriggerConfig
	now         func() time.Time
}

func NewResolver(engine *engine.Engine, automations *flow.AutomationService, storage persistence.Storage, conf config.TriggerConfig) *Resolver {
	if conf.CountryCode == "" {
		conf.CountryCode = DEFAULT_COUNTRY_CODE
	}
	if conf.WaitingTTL <= 0 {
		conf.WaitingTTL = 24 * time.Hour
	}
	return &Resolver{
		engine:      engine,
		automations: automations,
		storage:     storage,
		conf:        conf,
		now:         time.Now,
	}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func (r *Resolver) Resolve(ctx context.Context, event model.InboundEvent) (Decision, error) {
	if event.OwnerId == "" {
		return Decision{}, ErrNoOwner
	}
	candidates := PhoneCandidates(event.ContactPhone, r.conf.CountryCode)
	if len(candidates) == 0 {
		return Decision{}, ErrBadPhone
	}
	contact := CanonicalPhone(event.ContactPhone, r.conf.CountryCode)
	sessions, err := r.storage.FindContactSessions(ctx, event.OwnerId, candidates)
	if err != nil {
		return Decision{}, err
	}

	keyword, err := r.matchKeyword(ctx, event.OwnerId, event.Text)
	if err != nil {
		return Decision{}, err
	}
	if keyword != nil {
		s, err := r.startFresh(ctx, keyword, contact, candidates, event, "superseded by keyword automation "+keyword.Id)
		return r.decided(Decision{Kind: DECISION_KEYWORD, AutomationId: keyword.Id, Session: s}, contact), err
	}

	now := r.now()
	if !event.IsEcho {
		for _, s := range sessions {
			if s.Status != model.SESSION_WAITING_REPLY {
				continue
			}
			since := s.UpdatedAt
			if s.WaitingSince != nil {
				since = *s.WaitingSince
			}
			if now.Sub(since) > r.conf.WaitingTTL {
				if err := r.engine.Expire(ctx, s, "no reply within "+r.conf.WaitingTTL.String()); err != nil {
					return Decision{}, err
				}
				continue
			}
			resumed, err := r.engine.Reply(ctx, s.Id, event)
			if errors.Is(err, engine.ErrNotWaiting) {
				return r.decided(Decision{Kind: DECISION_IGNORED, Session: resumed, Reason: "session moved on concurrently"}, contact), nil
			}
			return r.decided(Decision{Kind: DECISION_RESUME, AutomationId: s.AutomationId, Session: resumed}, contact), err
		}
	}

	if reason, protected, err := r.protected(ctx, event.OwnerId, sessions, now); err != nil {
		return Decision{}, err
	} else if protected {
		return r.decided(Decision{Kind: DECISION_PROTECTED, Reason: reason}, contact), nil
	}

	if event.IsEcho {
		return r.decided(Decision{Kind: DECISION_IGNORED, Reason: "echo"}, contact), nil
	}
	fallbacks, err := r.automations.Active(ctx, event.OwnerId, model.TRIGGER_MESSAGE)
	if err != nil {
		return Decision{}, err
	}
	if len(fallbacks) == 0 {
		return r.decided(Decision{Kind: DECISION_IGNORED, Reason: "no automation matched"}, contact), nil
	}
	a := fallbacks[0]
	s, err := r.startFresh(ctx, a, contact, candidates, event, "superseded by automation "+a.Id)
	return r.decided(Decision{Kind: DECISION_FALLBACK, AutomationId: a.Id, Session: s}, contact), err
}

func (r *Resolver) decided(d Decision, contact string) Decision {
	fields := []zap.Field{zap.String("decision", string(d.Kind)), zap.String("contact", contact)}
	if d.AutomationId != "" {
		fields = append(fields, zap.String("automation", d.AutomationId))
	}
	if d.Reason != "" {
		fields = append(fields, zap.String("reason", d.Reason))
	}
	logger.Info("inbound message resolved", fields...)
	return d
}

// matchKeyword returns the first active keyword automation, in creation
// order, with a keyword contained in text.
func (r *Resolver) matchKeyword(ctx context.Context, ownerId string, text string) (*model.Automation, error) {
	text = flow.NormalizeKeyword(text)
	if text == "" {
		return nil, nil
	}
	active, err := r.automations.Active(ctx, ownerId, model.TRIGGER_KEYWORD)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		for _, k := range a.TriggerKeywords {
			if k != "" && strings.Contains(text, flow.NormalizeKeyword(k)) {
				return a, nil
			}
		}
	}
	return nil, nil
}

func (r *Resolver) protected(ctx context.Context, ownerId string, sessions []*model.FlowSession, now time.Time) (string, bool, error) {
	var reentry time.Duration
	reentryLoaded := false
	for _, s := range sessions {
		age := now.Sub(s.UpdatedAt)
		switch s.Status {
		case model.SESSION_ACTIVE:
			if age < r.conf.ActiveGrace {
				return "session " + s.Id + " is running", true, nil
			}
		case model.SESSION_WAITING_BUSINESS_HOURS:
			return "session " + s.Id + " is scheduled", true, nil
		case model.SESSION_COMPLETED:
			if !reentryLoaded {
				d, err := r.reentryDelay(ctx, ownerId)
				if err != nil {
					return "", false, err
				}
				reentry, reentryLoaded = d, true
			}
			if age < reentry {
				return "session " + s.Id + " completed recently", true, nil
			}
		}
	}
	return "", false, nil
}

func (r *Resolver) reentryDelay(ctx context.Context, ownerId string) (time.Duration, error) {
	account, err := r.storage.GetAccount(ctx, ownerId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return r.conf.DefaultReentryDelay, nil
		}
		return 0, err
	}
	if d := account.ReentryDelay(); d > 0 {
		return d, nil
	}
	return r.conf.DefaultReentryDelay, nil
}

// startFresh expires every live session of the contact and starts a new one
// on the automation. A concurrent creation is retried once.
func (r *Resolver) startFresh(ctx context.Context, a *model.Automation, contact string, candidates []string, event model.InboundEvent, reason string) (*model.FlowSession, error) {
	req := engine.StartRequest{
		OwnerId:      a.OwnerId,
		AutomationId: a.Id,
		ContactPhone: contact,
		Variables:    map[string]any{"message": event.Text},
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.engine.ExpireContact(ctx, event.OwnerId, candidates, reason); err != nil {
			return nil, err
		}
		var s *model.FlowSession
		s, err = r.engine.Start(ctx, req)
		if !errors.Is(err, persistence.ErrLiveSessionExists) {
			return s, err
		}
		logger.Warn("live session appeared while starting, retrying", zap.String("contact", contact), zap.String("automation", a.Id))
	}
	return nil, err
}
