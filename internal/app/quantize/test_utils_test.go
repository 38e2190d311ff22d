package quantize

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/infra/protocol"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// mockJobClient implements quantize.JobClient for testing.
type mockJobClient struct{ mock.Mock }

func (m *mockJobClient) Submit(ctx context.Context, payload quantize.Payload, params quantize.SubmitParams) (quantize.Submission, error) {
	args := m.Called(ctx, payload, params)
	return args.Get(0).(quantize.Submission), args.Error(1)
}

func (m *mockJobClient) FetchArtifact(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockJobClient) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobClient) CancelAll(ctx context.Context) (quantize.CancelAllResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(quantize.CancelAllResult), args.Error(1)
}

func (m *mockJobClient) DeleteCompleted(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobClient) ListHistory(ctx context.Context, limit int) ([]quantize.ListItem, error) {
	args := m.Called(ctx, limit)
	items, _ := args.Get(0).([]quantize.ListItem)
	return items, args.Error(1)
}

func (m *mockJobClient) ListGallery(ctx context.Context, limit int) ([]quantize.ListItem, error) {
	args := m.Called(ctx, limit)
	items, _ := args.Get(0).([]quantize.ListItem)
	return items, args.Error(1)
}

func (m *mockJobClient) ListActive(ctx context.Context) ([]quantize.ListItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]quantize.ListItem)
	return items, args.Error(1)
}

// fakeChannel behaves like a websocket status channel: messages are
// delivered in order, Close is idempotent and waits for delivery to stop.
type fakeChannel struct {
	in       chan []byte
	messages chan []byte
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	endOnce   sync.Once

	mu         sync.Mutex
	err        error
	closeCalls int
}

func newFakeChannel() *fakeChannel {
	c := &fakeChannel{
		in:       make(chan []byte, 16),
		messages: make(chan []byte),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.forward()
	return c
}

func (c *fakeChannel) forward() {
	defer close(c.done)
	defer close(c.messages)

	for {
		select {
		case raw, ok := <-c.in:
			if !ok {
				return
			}
			select {
			case c.messages <- raw:
			case <-c.closing:
				return
			}
		case <-c.closing:
			return
		}
	}
}

func (c *fakeChannel) Messages() <-chan []byte { return c.messages }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done
	})
	return nil
}

// send queues a raw message from the service.
func (c *fakeChannel) send(raw string) { c.in <- []byte(raw) }

// update queues a well-formed status update.
func (c *fakeChannel) update(status string, progress int, message string) {
	c.send(fmt.Sprintf(`{"type":"update","data":{"status":%q,"progress":%d,"message":%q}}`, status, progress, message))
}

// end simulates the service closing the stream, with err as the cause.
func (c *fakeChannel) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.in)
	})
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// fakeOpener implements quantize.ChannelOpener and remembers what it opened.
type fakeOpener struct {
	mu       sync.Mutex
	err      error
	channels map[string]*fakeChannel
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{channels: make(map[string]*fakeChannel)}
}

func (f *fakeOpener) OpenChannel(_ context.Context, id string) (quantize.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, &quantize.ChannelError{TaskID: id, Reason: "dial failed", Err: f.err}
	}
	ch := newFakeChannel()
	f.channels[id] = ch
	return ch, nil
}

func (f *fakeOpener) channel(id string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id]
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []quantize.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n quantize.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []quantize.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]quantize.Notification(nil), r.notes...)
}

// recordingPublisher captures everything published on the update bus.
type recordingPublisher struct {
	mu    sync.Mutex
	views []quantize.TaskView
	snaps []quantize.ListSnapshot
}

func (r *recordingPublisher) PublishTaskUpdate(_ context.Context, v quantize.TaskView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
	return nil
}

func (r *recordingPublisher) PublishListSnapshot(_ context.Context, s quantize.ListSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recordingPublisher) updatesFor(id string) []quantize.TaskView {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []quantize.TaskView
	for _, v := range r.views {
		if v.ID == id {
			out = append(out, v)
		}
	}
	return out
}

func (r *recordingPublisher) snapshots(kind quantize.ListKind) []quantize.ListSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []quantize.ListSnapshot
	for _, s := range r.snaps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func newTestMetrics(t *testing.T) LifecycleMetrics {
	t.Helper()
	m, err := NewLifecycleMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// recordingMetrics counts terminal outcomes and forwards everything else to
// a noop implementation. onSubmitted, when set, runs inside
// IncTasksSubmitted.
type recordingMetrics struct {
	LifecycleMetrics

	mu                sync.Mutex
	terminal          map[quantize.TaskStatus]int
	resultUnavailable int
	onSubmitted       func(ctx context.Context)
}

func newRecordingMetrics(t *testing.T) *recordingMetrics {
	t.Helper()
	return &recordingMetrics{
		LifecycleMetrics: newTestMetrics(t),
		terminal:         make(map[quantize.TaskStatus]int),
	}
}

func (m *recordingMetrics) IncTasksSubmitted(ctx context.Context) {
	if m.onSubmitted != nil {
		m.onSubmitted(ctx)
	}
}

func (m *recordingMetrics) IncTasksTerminal(_ context.Context, status quantize.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal[status]++
}

func (m *recordingMetrics) IncResultUnavailable(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultUnavailable++
}

func (m *recordingMetrics) terminalCount(status quantize.TaskStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal[status]
}

func (m *recordingMetrics) resultUnavailableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultUnavailable
}

// orchestratorSuite wires a real Orchestrator to fakes.
type orchestratorSuite struct {
	client   *mockJobClient
	opener   *fakeOpener
	clock    *fakeClock
	bus      *recordingPublisher
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newOrchestratorSuite(t *testing.T) *orchestratorSuite {
	t.Helper()
	return newOrchestratorSuiteWithMetrics(t, newTestMetrics(t))
}

func newOrchestratorSuiteWithMetrics(t *testing.T, metrics LifecycleMetrics) *orchestratorSuite {
	t.Helper()

	s := &orchestratorSuite{
		client:   new(mockJobClient),
		opener:   newFakeOpener(),
		clock:    newFakeClock(),
		bus:      new(recordingPublisher),
		notifier: new(recordingNotifier),
	}
	s.orch = NewOrchestrator(
		s.client,
		s.opener,
		protocol.Decode,
		s.bus,
		s.notifier,
		metrics,
		OrchestratorConfig{TaskTimeout: 300 * time.Second, Clock: s.clock},
		noop.NewTracerProvider().Tracer("test"),
		logger.Noop(),
	)
	t.Cleanup(func() { _ = s.orch.Close() })
	return s
}

func testPayload() quantize.Payload {
	return quantize.Payload{Filename: "cat.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")}
}

func testParams() quantize.SubmitParams {
	return quantize.SubmitParams{Width: 200, Height: 200, Quality: 5}
}

// submit registers id as the next accepted job and submits it.
func (s *orchestratorSuite) submit(t *testing.T, id string) (quantize.TaskView, *fakeChannel) {
	t.Helper()

	s.client.On("Submit", mock.Anything, mock.Anything, testParams()).
		Return(quantize.Submission{TaskID: id, Status: quantize.ServerStatusPending, EstimatedTime: 4 * time.Second}, nil).
		Once()

	view, err := s.orch.Submit(context.Background(), testPayload(), testParams())
	require.NoError(t, err)
	require.Equal(t, id, view.ID)
	return view, s.opener.channel(id)
}

// waitFor waits until the latest update published for id satisfies cond.
// Updates are published after every other side effect of a transition, so
// channel closes, timer disarms and notifications are visible once it
// returns.
func (s *orchestratorSuite) waitFor(t *testing.T, id string, cond func(quantize.TaskView) bool) quantize.TaskView {
	t.Helper()

	var last quantize.TaskView
	require.Eventually(t, func() bool {
		updates := s.bus.updatesFor(id)
		if len(updates) == 0 {
			return false
		}
		last = updates[len(updates)-1]
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached the expected state", id)
	return last
}
