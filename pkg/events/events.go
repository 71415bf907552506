// Package events fans committed engine events out to observers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root events are published under
const DefaultSubjectPrefix = "perp"

var (
	_ lx.EventPublisher = (*Multi)(nil)
	_ lx.EventPublisher = (*Recorder)(nil)
	_ lx.EventPublisher = (*NATSPublisher)(nil)
)

// Multi publishes every event to each of its publishers. All publishers
// are tried; their errors are joined.
type Multi []lx.EventPublisher

func (m Multi) Publish(ev *lx.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.RWMutex
	events []*lx.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ev *lx.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []*lx.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*lx.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Subject returns the NATS subject of an event type, e.g. perp.order.executed.
func Subject(prefix, typ string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + typ
}

// NATSPublisher publishes events as JSON to NATS
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger log.Logger
}

// NewNATSPublisher publishes on conn under prefix.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger log.Logger) *NATSPublisher {
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// ConnectNATS dials url and returns a publisher on the new connection.
func ConnectNATS(url, prefix string, logger log.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("perpd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(conn, prefix, logger), nil
}

func (p *NATSPublisher) Publish(ev *lx.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	subject := Subject(p.prefix, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("nats publish failed", "subject", subject, "error", err)
		return err
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
