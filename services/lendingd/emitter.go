package main

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"nftlend/core/events"
	"nftlend/core/types"
	"nftlend/native/lending"
	"nftlend/observability/metrics"
)

const recentEventLimit = 256

// DeliveredEvent is an engine event stamped with a delivery id and timestamp
// for the observable feed.
type DeliveredEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// payloadCarrier is satisfied by engine events wrapping a typed payload.
type payloadCarrier interface {
	Event() *types.Event
}

// EventLog implements events.Emitter for the daemon: every engine event is
// logged, counted, and kept in a bounded ring served by the HTTP API.
type EventLog struct {
	mu     sync.RWMutex
	recent []DeliveredEvent
	log    *slog.Logger
	m      *metrics.LendingMetrics
	nowFn  func() time.Time
}

var _ events.Emitter = (*EventLog)(nil)

// NewEventLog builds the emitter.
func NewEventLog(log *slog.Logger, m *metrics.LendingMetrics) *EventLog {
	if log == nil {
		log = slog.Default()
	}
	return &EventLog{
		recent: make([]DeliveredEvent, 0, recentEventLimit),
		log:    log,
		m:      m,
		nowFn:  time.Now,
	}
}

// Emit implements events.Emitter.
func (e *EventLog) Emit(event events.Event) {
	if e == nil || event == nil {
		return
	}
	delivered := DeliveredEvent{
		ID:        uuid.NewString(),
		Type:      event.EventType(),
		EmittedAt: e.nowFn().UTC(),
	}
	if carrier, ok := event.(payloadCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			attrs := make(map[string]string, len(payload.Attributes))
			for k, v := range payload.Attributes {
				attrs[k] = v
			}
			delivered.Attributes = attrs
		}
	}

	e.mu.Lock()
	e.recent = append(e.recent, delivered)
	if len(e.recent) > recentEventLimit {
		e.recent = e.recent[len(e.recent)-recentEventLimit:]
	}
	e.mu.Unlock()

	e.observe(delivered)
	e.log.Info("engine event",
		"event_id", delivered.ID,
		"type", delivered.Type,
		"attributes", delivered.Attributes,
	)
}

// Recent returns up to limit of the most recently emitted events, newest
// last. A non-positive limit returns the whole retained window.
func (e *EventLog) Recent(limit int) []DeliveredEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]DeliveredEvent, limit)
	copy(out, e.recent[len(e.recent)-limit:])
	return out
}

func (e *EventLog) observe(delivered DeliveredEvent) {
	if e.m == nil {
		return
	}
	switch delivered.Type {
	case lending.EventTypeLoanCreated:
		e.m.ObserveLoanCreated()
	case lending.EventTypeLoanRepaid:
		interest := 0.0
		if retained, ok := delivered.Attributes["retained"]; ok {
			if principal, okP := delivered.Attributes["principal"]; okP {
				r, errR := strconv.ParseFloat(retained, 64)
				p, errP := strconv.ParseFloat(principal, 64)
				if errR == nil && errP == nil && r > p {
					interest = r - p
				}
			}
		}
		e.m.ObserveLoanRepaid(interest)
	case lending.EventTypeLoanLiquidated:
		e.m.ObserveLoanLiquidated()
	}
}
