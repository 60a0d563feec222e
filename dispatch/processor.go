package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/action"
	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/trigger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoPhone = errors.New("no phone number found in row")

const NO_PHONE = "N/A"

// ROW_CLAIM_LEASE bounds how long a crashed sender keeps a row reserved.
const ROW_CLAIM_LEASE = 10 * time.Minute

type RowOutcome struct {
	RowIndex  int
	Phone     string
	SessionId string
	Err       error
}

// RowProcessor is the per-row operation shared by every runner.
type RowProcessor struct {
	storage     persistence.Storage
	engine      *engine.Engine
	channels    channel.Resolver
	publisher   notify.Publisher
	countryCode string
	claimLease  time.Duration
	now         func() time.Time
}

func NewRowProcessor(storage persistence.Storage, engine *engine.Engine, channels channel.Resolver, publisher notify.Publisher, countryCode string) *RowProcessor {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &RowProcessor{
		storage:     storage,
		engine:      engine,
		channels:    channels,
		publisher:   publisher,
		countryCode: countryCode,
		claimLease:  ROW_CLAIM_LEASE,
		now:         time.Now,
	}
}

// Claim reserves row i for this sender. It is false when the row already
// has an outcome or is being sent by someone else.
func (p *RowProcessor) Claim(ctx context.Context, d *model.Dispatch, i int) (bool, error) {
	return p.storage.ClaimRow(ctx, d.Id, i, p.claimLease)
}

// Unclaim gives a row back after an attempt that sent nothing.
func (p *RowProcessor) Unclaim(d *model.Dispatch, i int) {
	if err := p.storage.ReleaseRow(context.Background(), d.Id, i); err != nil {
		logger.Warn("error releasing dispatch row", zap.String("dispatch", d.Id), zap.Int("row", i), zap.Error(err))
	}
}

// Process sends row i of the dispatch. It never records anything.
func (p *RowProcessor) Process(ctx context.Context, d *model.Dispatch, i int) RowOutcome {
	out := RowOutcome{RowIndex: i, Phone: NO_PHONE}
	if i < 0 || i >= len(d.LeadsData) {
		out.Err = fmt.Errorf("row %d out of range", i)
		return out
	}
	lead := d.LeadsData[i]
	phone, ok := ExtractPhone(lead, p.countryCode)
	if !ok {
		out.Err = ErrNoPhone
		return out
	}
	out.Phone = phone
	vars := leadVariables(lead, phone, d.Variables)

	switch d.DispatchType {
	case model.DISPATCH_TYPE_TEMPLATE:
		out.Err = p.sendTemplate(ctx, d, phone, vars)
	case model.DISPATCH_TYPE_FLOW:
		out.SessionId, out.Err = p.startFlow(ctx, d, phone, vars)
	default:
		out.Err = fmt.Errorf("unknown dispatch type %q", d.DispatchType)
	}
	return out
}

func (p *RowProcessor) sendTemplate(ctx context.Context, d *model.Dispatch, phone string, vars map[string]any) error {
	params, err := action.ResolveMap(d.Variables, vars)
	if err != nil {
		return err
	}
	adapter, err := p.channels.ForContact(ctx, d.OwnerId, phone)
	if err != nil {
		return err
	}
	lang := d.Language
	if lang == "" {
		lang = action.DEFAULT_LANGUAGE
	}
	_, err = adapter.Send(ctx, phone, channel.TemplatePayload(channel.Template{
		Name:        d.TemplateName,
		Language:    lang,
		NamedParams: params,
	}))
	return err
}

func (p *RowProcessor) startFlow(ctx context.Context, d *model.Dispatch, phone string, vars map[string]any) (string, error) {
	candidates := trigger.PhoneCandidates(phone, p.countryCode)
	if err := p.engine.ExpireContact(ctx, d.OwnerId, candidates, "superseded by dispatch "+d.Id); err != nil {
		return "", err
	}
	s, err := p.engine.Start(ctx, engine.StartRequest{
		OwnerId:      d.OwnerId,
		FlowId:       d.FlowId,
		DispatchId:   d.Id,
		ContactPhone: trigger.CanonicalPhone(phone, p.countryCode),
		Variables:    vars,
	})
	if err != nil {
		return "", err
	}
	if s.Status == model.SESSION_ERROR {
		return s.Id, fmt.Errorf("flow session %s ended in error", s.Id)
	}
	return s.Id, nil
}

// Record stores the outcome of a row, publishes progress and completes the
// dispatch once every row is accounted for.
func (p *RowProcessor) Record(ctx context.Context, d *model.Dispatch, out RowOutcome) (*model.Dispatch, error) {
	entry := &model.DispatchLog{
		Id:         uuid.New().String(),
		DispatchId: d.Id,
		RowIndex:   out.RowIndex,
		Phone:      out.Phone,
		Status:     model.ROW_SUCCESS,
		CreatedAt:  p.now().UTC(),
	}
	if out.Err != nil {
		entry.Status = model.ROW_ERROR
		entry.Message = out.Err.Error()
		logger.Warn("dispatch row failed", zap.String("dispatch", d.Id), zap.Int("row", out.RowIndex), zap.String("phone", out.Phone), zap.Error(out.Err))
	}
	updated, recorded, err := p.storage.RecordRowResult(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !recorded {
		logger.Debug("dispatch row already recorded", zap.String("dispatch", d.Id), zap.Int("row", out.RowIndex))
	}
	if updated.Processed() >= len(updated.LeadsData) && updated.Status == model.DISPATCH_RUNNING {
		if err := p.storage.UpdateDispatchStatus(ctx, d.Id, model.DISPATCH_COMPLETED); err != nil {
			return nil, err
		}
		updated.Status = model.DISPATCH_COMPLETED
		logger.Info("dispatch completed", zap.String("dispatch", d.Id), zap.Int("success", updated.SuccessCount), zap.Int("error", updated.ErrorCount))
	}
	p.publisher.Publish(ctx, updated.Progress())
	return updated, nil
}
