package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type BusinessHoursData struct {
	Start         string `json:"start"`
	End           string `json:"end"`
	Days          []int  `json:"days"`
	Timezone      string `json:"timezone"`
	ClosedMessage string `json:"closedMessage"`
}

// Hours is an opening interval in minutes after local midnight. End before
// or equal to Start means the interval crosses midnight.
type Hours struct {
	Start int
	End   int
	Days  map[time.Weekday]bool
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidNodeData, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidNodeData, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidNodeData, s)
	}
	return h*60 + m, nil
}

func ParseHours(start string, end string, days []int) (Hours, error) {
	s, err := parseClock(start)
	if err != nil {
		return Hours{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Hours{}, err
	}
	h := Hours{Start: s, End: e}
	if len(days) > 0 {
		h.Days = make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			h.Days[time.Weekday(d%7)] = true
		}
	}
	return h, nil
}

func (h Hours) openOn(d time.Weekday) bool {
	return h.Days == nil || h.Days[d]
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func (h Hours) IsOpen(t time.Time) bool {
	m := minuteOfDay(t)
	if h.End > h.Start {
		return h.openOn(t.Weekday()) && m >= h.Start && m < h.End
	}
	if m >= h.Start {
		return h.openOn(t.Weekday())
	}
	return m < h.End && h.openOn(t.AddDate(0, 0, -1).Weekday())
}

// NextOpening returns the first opening strictly after t, in UTC.
func (h Hours) NextOpening(t time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), h.Start/60, h.Start%60, 0, 0, t.Location())
		if candidate.After(t) && h.openOn(candidate.Weekday()) {
			return candidate.UTC()
		}
	}
	return t.Add(24 * time.Hour).UTC()
}

func location(names ...string) *time.Location {
	for _, n := range names {
		if n == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}

func executeBusinessHours(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	data, err := decode[BusinessHoursData](node)
	if err != nil {
		return failed(err)
	}
	hours, err := ParseHours(data.Start, data.End, data.Days)
	if err != nil {
		return failed(err)
	}
	accountTz := ""
	if p.Account != nil {
		accountTz = p.Account.Timezone
	}
	now := p.now().In(location(data.Timezone, accountTz))
	if hours.IsOpen(now) {
		return Result{Action: RESULT_CONTINUE}
	}
	next := hours.NextOpening(now)
	res := Result{Action: RESULT_SCHEDULE, ScheduledAt: &next}
	if data.ClosedMessage != "" {
		text, err := ResolveText(data.ClosedMessage, session.Variables)
		if err == nil {
			if _, err = p.send(ctx, session, channel.TextPayload(text)); err == nil {
				res.log(model.LOG_SENT_MESSAGE, text)
			}
		}
		if err != nil {
			res.log(model.LOG_ERROR, "closed message: "+err.Error())
		}
	}
	res.log(model.LOG_SCHEDULED, next.Format(time.RFC3339))
	return res
}
