package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/testutil/stubservice"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

func newTestDialer(t *testing.T, base string, dialTimeout time.Duration) *Dialer {
	t.Helper()
	d, err := NewDialer(Config{BaseURL: base, DialTimeout: dialTimeout}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return d
}

func receive(t *testing.T, ch quantize.Channel) ([]byte, bool) {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel message")
		return nil, false
	}
}

func TestDeriveURL(t *testing.T) {
	t.Parallel()

	got, err := DeriveURL("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000", got)

	got, err = DeriveURL("https://quant.example.com/base")
	require.NoError(t, err)
	assert.Equal(t, "wss://quant.example.com/base", got)

	_, err = DeriveURL("ftp://nope")
	assert.Error(t, err)
}

func TestNewDialer_RejectsHTTPScheme(t *testing.T) {
	t.Parallel()

	_, err := NewDialer(Config{BaseURL: "http://localhost"}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}

func TestChannel_DeliversMessagesThenNormalClose(t *testing.T) {
	t.Parallel()

	stub := stubservice.New(t)
	d := newTestDialer(t, stub.WSURL(), time.Second)

	ch, err := d.OpenChannel(context.Background(), "42")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.True(t, stub.WaitConnected("42", time.Second))

	stub.Send("42", `{"type":"status","data":{"status":"processing","progress":0}}`)
	stub.Send("42", `{"type":"update","data":{"status":"completed","progress":100}}`)
	stub.CloseChannel("42")

	msg, ok := receive(t, ch)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"status","data":{"status":"processing","progress":0}}`, string(msg))

	msg, ok = receive(t, ch)
	require.True(t, ok)
	assert.Contains(t, string(msg), "completed")

	_, ok = receive(t, ch)
	assert.False(t, ok, "messages closes after the service closes the stream")
	assert.NoError(t, ch.Err(), "normal closure is not an error")
}

func TestChannel_DroppedConnectionReportsChannelError(t *testing.T) {
	t.Parallel()

	stub := stubservice.New(t)
	d := newTestDialer(t, stub.WSURL(), time.Second)

	ch, err := d.OpenChannel(context.Background(), "7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.True(t, stub.WaitConnected("7", time.Second))

	stub.DropChannel("7")

	_, ok := receive(t, ch)
	assert.False(t, ok)
	assert.ErrorIs(t, ch.Err(), quantize.ErrChannel)
	assert.Equal(t, 1, stub.Calls(stubservice.RouteChannel), "a dropped channel is never re-dialled")
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	stub := stubservice.New(t)
	d := newTestDialer(t, stub.WSURL(), time.Second)

	ch, err := d.OpenChannel(context.Background(), "9")
	require.NoError(t, err)
	require.True(t, stub.WaitConnected("9", time.Second))

	first := ch.Close()
	assert.NotPanics(t, func() {
		assert.Equal(t, first, ch.Close())
		assert.Equal(t, first, ch.Close())
	})

	_, ok := receive(t, ch)
	assert.False(t, ok)
	assert.NoError(t, ch.Err(), "local close is not a failure")
}

func TestOpenChannel_HandshakeRejectedIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	base, err := DeriveURL(srv.URL)
	require.NoError(t, err)
	d := newTestDialer(t, base, 5*time.Second)

	_, err = d.OpenChannel(context.Background(), "1")
	assert.ErrorIs(t, err, quantize.ErrChannel)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenChannel_GivesUpAfterDialTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base, err := DeriveURL(srv.URL)
	require.NoError(t, err)
	srv.Close()

	d := newTestDialer(t, base, 300*time.Millisecond)

	start := time.Now()
	_, err = d.OpenChannel(context.Background(), "1")
	require.ErrorIs(t, err, quantize.ErrChannel)
	assert.Less(t, time.Since(start), 5*time.Second)
}
