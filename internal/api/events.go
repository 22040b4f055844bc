package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

const (
	defaultEventCapacity = 512
	defaultEventLimit    = 50
	maxEventLimit        = 500
)

// EventLog is a progress.Sink that keeps the most recent events in a ring
// buffer for the /v1/events route.
type EventLog struct {
	mu    sync.RWMutex
	buf   []progress.Event
	next  int
	full  bool
	total int64
}

var _ progress.Sink = (*EventLog)(nil)

// NewEventLog keeps up to capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	return &EventLog{buf: make([]progress.Event, capacity)}
}

// Consume implements progress.Sink.
func (l *EventLog) Consume(_ context.Context, batch []progress.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range batch {
		l.buf[l.next] = evt
		l.next = (l.next + 1) % len(l.buf)
		if l.next == 0 {
			l.full = true
		}
		l.total++
	}
	return nil
}

// Close implements progress.Sink.
func (l *EventLog) Close(context.Context) error { return nil }

// Recent returns up to limit of the newest events matching stage, newest
// first. An empty stage matches every event.
func (l *EventLog) Recent(limit int, stage progress.Stage) []progress.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	size := l.next
	if l.full {
		size = len(l.buf)
	}
	out := make([]progress.Event, 0, min(limit, size))
	for i := 1; i <= size && len(out) < limit; i++ {
		evt := l.buf[(l.next-i+len(l.buf))%len(l.buf)]
		if stage != "" && evt.Stage != stage {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Total reports how many events were ever consumed.
func (l *EventLog) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// listEvents handles GET /v1/events?limit=&stage=. It returns
// {"events": [...], "total": n} newest first, or 400 for invalid filters.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stage, err := parseStage(r.URL.Query().Get("stage"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": toEventDTOs(s.events.Recent(limit, stage)),
		"total":  s.events.Total(),
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseStage(input string) (progress.Stage, error) {
	stage := progress.Stage(strings.ToUpper(strings.TrimSpace(input)))
	switch stage {
	case "",
		progress.StageJobStart,
		progress.StagePhase,
		progress.StageItemDone,
		progress.StageItemError,
		progress.StageJobDone,
		progress.StageJobAbort:
		return stage, nil
	default:
		return "", errors.New("invalid stage")
	}
}

type eventDTO struct {
	JobID string    `json:"job_id"`
	TS    time.Time `json:"ts"`
	Stage string    `json:"stage"`
	State string    `json:"state,omitempty"`
	Item  string    `json:"item,omitempty"`
	URL   string    `json:"url,omitempty"`
	Bytes int64     `json:"bytes,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Total int64     `json:"total,omitempty"`
	DurMS int64     `json:"duration_ms,omitempty"`
	Note  string    `json:"note,omitempty"`
}

func toEventDTOs(in []progress.Event) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, e := range in {
		out = append(out, eventDTO{
			JobID: e.JobID,
			TS:    e.TS,
			Stage: string(e.Stage),
			State: e.State,
			Item:  e.Item,
			URL:   e.URL,
			Bytes: e.Bytes,
			Kind:  e.Kind,
			Total: e.Total,
			DurMS: e.Dur.Milliseconds(),
			Note:  e.Note,
		})
	}
	return out
}
