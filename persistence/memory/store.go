package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
)

var _ persistence.Storage = new(Store)

// Store keeps every entity in process memory. It is used for tests and for
// single-process development runs.
type Store struct {
	mu             sync.RWMutex
	flows          map[string]*model.Flow
	automations    map[string]*model.Automation
	sessions       map[string]*model.FlowSession
	sessionLogs    map[string][]*model.FlowSessionLog
	dispatches     map[string]*model.Dispatch
	dispatchLogs   map[string][]*model.DispatchLog
	loggedRows     map[string]map[int]bool
	rowClaims      map[string]map[int]time.Time
	accounts       map[string]*model.Account
	channelConfigs map[string]*model.ChannelConfig
	contactChannel map[string]string
}

func NewStore() *Store {
	return &Store{
		flows:          make(map[string]*model.Flow),
		automations:    make(map[string]*model.Automation),
		sessions:       make(map[string]*model.FlowSession),
		sessionLogs:    make(map[string][]*model.FlowSessionLog),
		dispatches:     make(map[string]*model.Dispatch),
		dispatchLogs:   make(map[string][]*model.DispatchLog),
		loggedRows:     make(map[string]map[int]bool),
		rowClaims:      make(map[string]map[int]time.Time),
		accounts:       make(map[string]*model.Account),
		channelConfigs: make(map[string]*model.ChannelConfig),
		contactChannel: make(map[string]string),
	}
}

func (s *Store) SaveFlow(ctx context.Context, flow *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := *flow
	s.flows[flow.Id] = &f
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	out := *f
	return &out, nil
}

func (s *Store) SaveAutomation(ctx context.Context, automation *model.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *automation
	a.TriggerKeywords = append([]string(nil), automation.TriggerKeywords...)
	s.automations[a.Id] = &a
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	out := *a
	out.TriggerKeywords = append([]string(nil), a.TriggerKeywords...)
	return &out, nil
}

func (s *Store) ListAutomations(ctx context.Context, ownerId string) ([]*model.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Automation
	for _, a := range s.automations {
		if a.OwnerId != ownerId {
			continue
		}
		c := *a
		c.TriggerKeywords = append([]string(nil), a.TriggerKeywords...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneSession(in *model.FlowSession) *model.FlowSession {
	out := *in
	out.Variables = make(map[string]any, len(in.Variables))
	for k, v := range in.Variables {
		out.Variables[k] = v
	}
	if in.ScheduledAt != nil {
		t := *in.ScheduledAt
		out.ScheduledAt = &t
	}
	if in.WaitingSince != nil {
		t := *in.WaitingSince
		out.WaitingSince = &t
	}
	return &out
}

func (s *Store) CreateSession(ctx context.Context, session *model.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.Id]; ok {
		return persistence.StorageLayerError{Message: "duplicate session id " + session.Id}
	}
	if !session.Status.IsTerminal() {
		for _, existing := range s.sessions {
			if existing.OwnerId == session.OwnerId && existing.ContactPhone == session.ContactPhone && !existing.Status.IsTerminal() {
				return persistence.ErrLiveSessionExists
			}
		}
	}
	s.sessions[session.Id] = cloneSession(session)
	return nil
}

func (s *Store) SaveSession(ctx context.Context, session *model.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.Id]
	if !ok {
		return persistence.ErrNotFound
	}
	if stored.Status.IsTerminal() && session.Status != model.SESSION_STOPPED && session.Status != stored.Status {
		return persistence.ErrSessionClosed
	}
	s.sessions[session.Id] = cloneSession(session)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) FindContactSessions(ctx context.Context, ownerId string, phones []string) ([]*model.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(phones))
	for _, p := range phones {
		wanted[p] = true
	}
	var out []*model.FlowSession
	for _, session := range s.sessions {
		if session.OwnerId == ownerId && wanted[session.ContactPhone] {
			out = append(out, cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AppendSessionLog(ctx context.Context, log *model.FlowSessionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := *log
	s.sessionLogs[log.SessionId] = append(s.sessionLogs[log.SessionId], &l)
	return nil
}

func (s *Store) ListSessionLogs(ctx context.Context, sessionId string) ([]*model.FlowSessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.sessionLogs[sessionId]
	out := make([]*model.FlowSessionLog, 0, len(logs))
	for _, l := range logs {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func cloneDispatch(in *model.Dispatch) *model.Dispatch {
	out := *in
	out.LeadsData = append([]model.Lead(nil), in.LeadsData...)
	if in.Variables != nil {
		out.Variables = make(map[string]string, len(in.Variables))
		for k, v := range in.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

func (s *Store) CreateDispatch(ctx context.Context, dispatch *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dispatches[dispatch.Id]; ok {
		return persistence.StorageLayerError{Message: "duplicate dispatch id " + dispatch.Id}
	}
	s.dispatches[dispatch.Id] = cloneDispatch(dispatch)
	s.loggedRows[dispatch.Id] = make(map[int]bool)
	return nil
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dispatches[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cloneDispatch(d), nil
}

func (s *Store) UpdateDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok {
		return persistence.ErrNotFound
	}
	d.Status = status
	return nil
}

func (s *Store) RecordRowResult(ctx context.Context, log *model.DispatchLog) (*model.Dispatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[log.DispatchId]
	if !ok {
		return nil, false, persistence.ErrNotFound
	}
	rows := s.loggedRows[log.DispatchId]
	if rows[log.RowIndex] {
		return cloneDispatch(d), false, nil
	}
	rows[log.RowIndex] = true
	l := *log
	s.dispatchLogs[log.DispatchId] = append(s.dispatchLogs[log.DispatchId], &l)
	if log.Status == model.ROW_SUCCESS {
		d.SuccessCount++
	} else {
		d.ErrorCount++
	}
	if log.RowIndex+1 > d.CurrentIndex {
		d.CurrentIndex = log.RowIndex + 1
	}
	if !log.CreatedAt.IsZero() {
		d.UpdatedAt = log.CreatedAt
	}
	return cloneDispatch(d), true, nil
}

func (s *Store) IsRowRecorded(ctx context.Context, dispatchId string, rowIndex int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.dispatches[dispatchId]; !ok {
		return false, persistence.ErrNotFound
	}
	return s.loggedRows[dispatchId][rowIndex], nil
}

func (s *Store) ClaimRow(ctx context.Context, dispatchId string, rowIndex int, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dispatches[dispatchId]; !ok {
		return false, persistence.ErrNotFound
	}
	if s.loggedRows[dispatchId][rowIndex] {
		return false, nil
	}
	now := time.Now()
	claims := s.rowClaims[dispatchId]
	if claims == nil {
		claims = make(map[int]time.Time)
		s.rowClaims[dispatchId] = claims
	}
	if until, held := claims[rowIndex]; held && now.Before(until) {
		return false, nil
	}
	claims[rowIndex] = now.Add(lease)
	return true, nil
}

func (s *Store) ReleaseRow(ctx context.Context, dispatchId string, rowIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rowClaims[dispatchId], rowIndex)
	return nil
}

func (s *Store) ListDispatchLogs(ctx context.Context, dispatchId string) ([]*model.DispatchLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.dispatchLogs[dispatchId]
	out := make([]*model.DispatchLog, 0, len(logs))
	for _, l := range logs {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ListDispatches(ctx context.Context, status model.DispatchStatus) ([]*model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Dispatch
	for _, d := range s.dispatches {
		if d.Status == status {
			out = append(out, cloneDispatch(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) SaveAccount(ctx context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *account
	s.accounts[a.Id] = &a
	return nil
}

func (s *Store) SaveChannelConfig(ctx context.Context, conf *model.ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conf
	s.channelConfigs[c.Id] = &c
	return nil
}

func (s *Store) GetChannelConfig(ctx context.Context, id string) (*model.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channelConfigs[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) SetContactChannel(ctx context.Context, ownerId string, phone string, configId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactChannel[ownerId+":"+phone] = configId
	return nil
}

func (s *Store) ResolveChannelConfig(ctx context.Context, ownerId string, phone string) (*model.ChannelConfig, error) {
	s.mu.RLock()
	configId, ok := s.contactChannel[ownerId+":"+phone]
	if !ok {
		if a, found := s.accounts[ownerId]; found {
			configId = a.DefaultChannelConfig
		}
	}
	s.mu.RUnlock()
	if configId == "" {
		return nil, persistence.ErrNotFound
	}
	return s.GetChannelConfig(ctx, configId)
}
