package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/api"
)

const defaultBuffer = 64

// Hub fans events out to stream subscribers as encoded lines. Subscribers
// that fall a full buffer behind are disconnected rather than blocking the
// emitter.
type Hub struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   *zap.Logger
	streamID string
	sequence int64
	buffer   int
	subs     map[*Subscription]struct{}
	closed   bool
}

// Subscription receives lines until it is closed or dropped by the hub.
type Subscription struct {
	C    <-chan api.EventLine
	ch   chan api.EventLine
	hub  *Hub
	once sync.Once
}

func NewHub(buffer int, clk clock.Clock, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clock:    clk,
		logger:   logger,
		streamID: uuid.NewString(),
		buffer:   buffer,
		subs:     map[*Subscription]struct{}{},
	}
}

func (h *Hub) StreamID() string {
	return h.streamID
}

// Subscribe registers a new stream reader.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("subscribe: %w: hub closed", ErrEmitFailed)
	}
	ch := make(chan api.EventLine, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.dropLocked(s)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit encodes ev and offers it to every subscriber without blocking.
func (h *Hub) Emit(ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s payload: %v", ErrEmitFailed, ev.Kind, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: hub closed", ErrEmitFailed)
	}
	h.sequence++
	line := api.EventLine{
		SchemaVersion: api.SchemaVersion,
		StreamID:      h.streamID,
		EventID:       uuid.NewString(),
		Sequence:      h.sequence,
		EmittedAt:     h.clock.Now().UTC(),
		Event:         string(ev.Kind),
		Payload:       payload,
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub.ch <- line:
		default:
			h.dropLocked(sub)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped slow event subscribers",
			zap.String("event", string(ev.Kind)),
			zap.Int("dropped", dropped),
		)
		return fmt.Errorf("%w: %s: %d slow subscriber(s) disconnected", ErrEmitFailed, ev.Kind, dropped)
	}
	return nil
}

// Close disconnects every subscriber. Later emits fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		h.dropLocked(sub)
	}
}

func (h *Hub) dropLocked(sub *Subscription) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}
