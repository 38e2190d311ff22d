// Package ws implements the per-task status channel over websockets.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// Config holds the websocket settings.
type Config struct {
	// BaseURL is the ws:// or wss:// service root.
	BaseURL          string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dialer opens status channels. A dial is retried with exponential backoff
// until DialTimeout elapses; an established connection that drops is never
// re-dialled.
type Dialer struct {
	base   *url.URL
	cfg    Config
	dialer *websocket.Dialer

	logger *logger.Logger
	tracer trace.Tracer
}

var _ quantize.ChannelOpener = (*Dialer)(nil)

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Dialer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing websocket url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url %q must be ws or wss", cfg.BaseURL)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}

	return &Dialer{
		base: base,
		cfg:  cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "ws_dialer"),
		tracer: tracer,
	}, nil
}

// DeriveURL maps an http(s) service root onto the matching ws(s) root.
func DeriveURL(httpBase string) (string, error) {
	u, err := url.Parse(httpBase)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cannot derive websocket url from scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// OpenChannel dials the status channel for task id.
func (d *Dialer) OpenChannel(ctx context.Context, id string) (quantize.Channel, error) {
	ctx, span := d.tracer.Start(ctx, "ws_dialer.open_channel",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	target := *d.base
	target.Path = strings.TrimRight(target.Path, "/") + "/api/v1/ws/" + id

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = d.cfg.DialTimeout

	var (
		conn     *websocket.Conn
		attempts int
	)
	operation := func() error {
		attempts++
		c, resp, err := d.dialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
			}
			d.logger.Debug(ctx, "status channel dial failed", "task_id", id, "attempt", attempts, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		chErr := &quantize.ChannelError{TaskID: id, Reason: "could not open status channel", Err: unwrapPermanent(err)}
		span.RecordError(chErr)
		span.SetStatus(codes.Error, "dial failed")
		span.SetAttributes(attribute.Int("attempts", attempts))
		return nil, chErr
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	span.SetStatus(codes.Ok, "channel open")

	conn.SetReadLimit(d.cfg.ReadLimit)
	ch := newChannel(id, conn, d.logger)
	go ch.readLoop()
	return ch, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// channel adapts a websocket connection to quantize.Channel.
type channel struct {
	taskID string
	conn   *websocket.Conn
	logger *logger.Logger

	messages chan []byte
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

func newChannel(taskID string, conn *websocket.Conn, logger *logger.Logger) *channel {
	return &channel{
		taskID:   taskID,
		conn:     conn,
		logger:   logger,
		messages: make(chan []byte, 16),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *channel) Messages() <-chan []byte { return c.messages }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down and waits for the reader to exit. Calling
// it more than once returns the first result.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		<-c.done
	})
	return c.closeErr
}

func (c *channel) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.setErr(err)
			}
			return
		}

		select {
		case c.messages <- data:
		case <-c.closing:
			return
		}
	}
}

// setErr records why the stream ended. A normal close from the service
// leaves Err nil.
func (c *channel) setErr(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = &quantize.ChannelError{TaskID: c.taskID, Reason: "connection lost", Err: err}
}
