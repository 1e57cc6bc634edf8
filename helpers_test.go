package raven

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSender keeps every payload it is given.
type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *recordingSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *recordingSender) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(s.payloads))
	for _, p := range s.payloads {
		var e Event
		require.NoError(t, json.Unmarshal(p, &e))
		events = append(events, e)
	}
	return events
}

func (s *recordingSender) last(t *testing.T) Event {
	t.Helper()
	events := s.events(t)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

// fakeTransport records delivered bodies; deliverErr fails bodies it matches.
type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	delivered  [][]byte
	attempts   map[string]int
	deliverErr func(body []byte) error
	prepareErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: map[string]int{}}
}

func (t *fakeTransport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) Prepare(payload []byte) (*Request, error) {
	if t.prepareErr != nil {
		return nil, t.prepareErr
	}
	return &Request{Method: "POST", Path: "/api/1/store/", Body: payload}, nil
}

func (t *fakeTransport) Deliver(_ context.Context, req *Request) error {
	t.mu.Lock()
	t.attempts[string(req.Body)]++
	fail := t.deliverErr
	t.mu.Unlock()

	if fail != nil {
		if err := fail(req.Body); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.delivered = append(t.delivered, req.Body)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliveredBodies() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.delivered))
	for i, b := range t.delivered {
		out[i] = string(b)
	}
	return out
}

func (t *fakeTransport) attemptsFor(body string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[body]
}

// manualHost collects scheduled tasks; the test decides when they run.
type manualHost struct {
	mu          sync.Mutex
	phase       Phase
	tasks       []func()
	scheduled   int
	scheduleErr error
}

func (h *manualHost) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *manualHost) Schedule(fn func(), _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scheduleErr != nil {
		return h.scheduleErr
	}
	h.scheduled++
	h.tasks = append(h.tasks, fn)
	return nil
}

func (h *manualHost) scheduledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scheduled
}

// runAll runs every pending task, including ones scheduled while running.
func (h *manualHost) runAll() {
	for {
		h.mu.Lock()
		if len(h.tasks) == 0 {
			h.mu.Unlock()
			return
		}
		fn := h.tasks[0]
		h.tasks = h.tasks[1:]
		h.mu.Unlock()
		fn()
	}
}

var errDeliver = errors.New("collector unavailable")

// closedPortDSN returns a DSN pointing at a local port nothing listens on.
func closedPortDSN(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "http://public@" + addr + "/1"
}
