// Package rest implements the request/response side of the quantization
// service API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

const (
	apiPrefix = "/api/v1"

	// Result files can be large; error bodies never are.
	maxResultBytes = 256 << 20
	maxErrorBytes  = 64 << 10
)

// Config holds the connection settings for the service.
type Config struct {
	BaseURL            string
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	RateBurst          int
	MaxFileSize        int64
}

// Client talks to the quantization service over HTTP with rate limiting and
// tracing. It never retries; callers decide what a failure means.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	maxFileSize int64

	logger *logger.Logger
	tracer trace.Tracer
}

var _ quantize.JobClient = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the service at cfg.BaseURL.
func NewClient(cfg Config, logger *logger.Logger, tracer trace.Tracer, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}

	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 100
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}

	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		rateLimiter: common.NewPerMinuteLimiter(perMinute, burst),
		maxFileSize: cfg.MaxFileSize,
		logger:      logger.With("component", "rest_client"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the service root the client was configured with.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Submit uploads payload with params and returns the assigned task id.
func (c *Client) Submit(ctx context.Context, payload quantize.Payload, params quantize.SubmitParams) (quantize.Submission, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.submit",
		trace.WithAttributes(
			attribute.String("filename", payload.Filename),
			attribute.Int("size", len(payload.Data)),
			attribute.Int("width", params.Width),
			attribute.Int("height", params.Height),
			attribute.Int("quality", params.Quality),
		))
	defer span.End()

	fail := func(reason string, err error) (quantize.Submission, error) {
		subErr := &quantize.SubmissionError{Reason: reason, Err: err}
		span.RecordError(subErr)
		span.SetStatus(codes.Error, reason)
		return quantize.Submission{}, subErr
	}

	if err := params.Validate(); err != nil {
		return fail("invalid parameters", err)
	}
	// Re-run payload checks; callers may have built the struct by hand.
	checked, err := quantize.NewPayload(payload.Filename, payload.Data, payload.ContentType, c.maxFileSize)
	if err != nil {
		return quantize.Submission{}, err
	}

	body, contentType, err := multipartBody(checked, params)
	if err != nil {
		return fail("encoding upload", err)
	}

	resp, err := c.do(ctx, "submit", http.MethodPost, "/quantize/", nil, body, contentType)
	if err != nil {
		return fail("request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus("submit", resp); err != nil {
		return fail("service rejected upload", err)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fail("decoding response", err)
	}
	if out.TaskID == "" {
		return fail("response carried no task id", nil)
	}

	span.SetAttributes(attribute.String("task_id", out.TaskID))
	span.SetStatus(codes.Ok, "task submitted")
	c.logger.Debug(ctx, "task submitted", "task_id", out.TaskID, "estimated_time", out.EstimatedTime)

	return quantize.Submission{
		TaskID:        out.TaskID,
		Status:        quantize.ParseServerStatus(out.Status),
		EstimatedTime: estimatedTime(out.EstimatedTime),
	}, nil
}

func multipartBody(p quantize.Payload, params quantize.SubmitParams) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, p.Filename))
	h.Set("Content-Type", p.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}

	for _, f := range []struct {
		name  string
		value int
	}{
		{"width", params.Width},
		{"height", params.Height},
		{"quality", params.Quality},
	} {
		if err := w.WriteField(f.name, strconv.Itoa(f.value)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// FetchArtifact retrieves the result text of a completed task.
func (c *Client) FetchArtifact(ctx context.Context, id string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.fetch_artifact",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	fail := func(status int, reason string, err error) (string, error) {
		fe := &quantize.FetchError{TaskID: id, StatusCode: status, Reason: reason, Err: err}
		span.RecordError(fe)
		span.SetStatus(codes.Error, reason)
		return "", fe
	}

	resp, err := c.do(ctx, "fetch result", http.MethodGet, "/quantize/result/"+id, nil, nil, "")
	if err != nil {
		return fail(0, "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fail(resp.StatusCode, "result not found", nil)
	case http.StatusAccepted:
		return fail(resp.StatusCode, "result not ready", nil)
	default:
		return fail(resp.StatusCode, "unexpected response", c.checkStatus("fetch result", resp))
	}

	body, err := readAllLimited(resp.Body, maxResultBytes)
	if err != nil {
		return fail(resp.StatusCode, "reading body", err)
	}
	text, err := decodeText(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return fail(resp.StatusCode, "decoding body", err)
	}

	span.SetAttributes(attribute.Int("result_bytes", len(body)))
	span.SetStatus(codes.Ok, "result fetched")
	return text, nil
}

// Cancel asks the service to stop an active task.
func (c *Client) Cancel(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "rest_client.cancel",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	return c.expectOK(ctx, span, "cancel", http.MethodPost, "/quantize/cancel/"+id, nil)
}

// CancelAll asks the service to stop every active task.
func (c *Client) CancelAll(ctx context.Context) (quantize.CancelAllResult, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.cancel_all")
	defer span.End()

	var out cancelAllResponse
	if err := c.getJSON(ctx, span, "cancel all", http.MethodPost, "/history/cancel-all", nil, &out); err != nil {
		return quantize.CancelAllResult{}, err
	}

	span.SetAttributes(attribute.Int("cancelled_count", out.CancelledCount))
	return quantize.CancelAllResult{CancelledCount: out.CancelledCount, CancelledIDs: out.CancelledTasks}, nil
}

// DeleteCompleted removes a finished task and its result from the service.
func (c *Client) DeleteCompleted(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "rest_client.delete_completed",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	return c.expectOK(ctx, span, "delete", http.MethodDelete, "/gallery/"+id, nil)
}

// ListHistory returns up to limit recent tasks, newest first.
func (c *Client) ListHistory(ctx context.Context, limit int) ([]quantize.ListItem, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.list_history",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	return c.list(ctx, span, "list history", "/history/", limitQuery(limit))
}

// ListGallery returns up to limit finished results, newest first.
func (c *Client) ListGallery(ctx context.Context, limit int) ([]quantize.ListItem, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.list_gallery",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	return c.list(ctx, span, "list gallery", "/gallery/", limitQuery(limit))
}

// ListActive returns the tasks the service is still running.
func (c *Client) ListActive(ctx context.Context) ([]quantize.ListItem, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.list_active")
	defer span.End()

	return c.list(ctx, span, "list active", "/history/active", nil)
}

// Preview returns the first maxLines lines of a finished result.
func (c *Client) Preview(ctx context.Context, id string, maxLines int) (string, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.preview",
		trace.WithAttributes(attribute.String("task_id", id), attribute.Int("max_lines", maxLines)))
	defer span.End()

	var q url.Values
	if maxLines > 0 {
		q = url.Values{"max_lines": {strconv.Itoa(maxLines)}}
	}
	body, contentType, err := c.getBody(ctx, span, "preview", "/gallery/"+id+"/preview", q)
	if err != nil {
		return "", err
	}
	text, err := decodeText(body, contentType)
	if err != nil {
		return "", &quantize.TransportError{Op: "preview", Err: err}
	}
	return text, nil
}

// Download returns the raw bytes of a finished result file.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.download",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	body, _, err := c.getBody(ctx, span, "download", "/gallery/"+id+"/download", nil)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("bytes", len(body)))
	return body, nil
}

// Status probes the service for the current state of one task.
func (c *Client) Status(ctx context.Context, id string) (StatusReport, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.status",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	var out statusResponse
	if err := c.getJSON(ctx, span, "status", http.MethodGet, "/quantize/status/"+id, nil, &out); err != nil {
		return StatusReport{}, err
	}
	if out.TaskID == "" {
		out.TaskID = id
	}
	return out.toReport(), nil
}

// Health checks that the service is up. The probe lives outside the
// versioned API prefix.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	ctx, span := c.tracer.Start(ctx, "rest_client.health")
	defer span.End()

	resp, err := c.doURL(ctx, "health", http.MethodGet, c.resolve("/health", nil), nil, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "health request failed")
		return HealthReport{}, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus("health", resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "service unhealthy")
		return HealthReport{}, err
	}

	var out HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthReport{}, &quantize.TransportError{Op: "health", StatusCode: resp.StatusCode, Err: err}
	}
	return out, nil
}

func (c *Client) list(ctx context.Context, span trace.Span, op, path string, q url.Values) ([]quantize.ListItem, error) {
	var raw []listItem
	if err := c.getJSON(ctx, span, op, http.MethodGet, path, q, &raw); err != nil {
		return nil, err
	}

	items := make([]quantize.ListItem, 0, len(raw))
	for _, r := range raw {
		item, err := r.toDomain()
		if err != nil {
			c.logger.Debug(ctx, "unparseable created_at in list item", "op", op, "task_id", r.TaskID, "error", err)
		}
		items = append(items, item)
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) expectOK(ctx context.Context, span trace.Span, op, method, path string, q url.Values) error {
	resp, err := c.do(ctx, op, method, path, q, nil, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" request failed")
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))

	if err := c.checkStatus(op, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" rejected")
		return err
	}
	span.SetStatus(codes.Ok, op+" accepted")
	return nil
}

func (c *Client) getJSON(ctx context.Context, span trace.Span, op, method, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, op, method, path, q, nil, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" request failed")
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(op, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" rejected")
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		terr := &quantize.TransportError{Op: op, StatusCode: resp.StatusCode, Detail: "invalid response body", Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, "decoding response")
		return terr
	}
	return nil
}

func (c *Client) getBody(ctx context.Context, span trace.Span, op, path string, q url.Values) ([]byte, string, error) {
	resp, err := c.do(ctx, op, http.MethodGet, path, q, nil, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" request failed")
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(op, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" rejected")
		return nil, "", err
	}
	body, err := readAllLimited(resp.Body, maxResultBytes)
	if err != nil {
		return nil, "", &quantize.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// do sends a request to path under the API prefix.
func (c *Client) do(
	ctx context.Context,
	op, method, path string,
	q url.Values,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	return c.doURL(ctx, op, method, c.resolve(apiPrefix+path, q), body, contentType)
}

func (c *Client) doURL(
	ctx context.Context,
	op, method, target string,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &quantize.TransportError{Op: op, Detail: "rate limiter wait failed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &quantize.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &quantize.TransportError{Op: op, Err: err}
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into a *TransportError carrying the
// service's detail text. A 429 also pauses the limiter for Retry-After.
func (c *Client) checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := retryAfter(resp.Header.Get("Retry-After"))
		c.rateLimiter.Pause(wait)
		c.logger.Warn(context.Background(), "service rate limit hit", "op", op, "retry_after", wait)
	}

	body, _ := readAllLimited(resp.Body, maxErrorBytes)
	return &quantize.TransportError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(body)}
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	// The service's window is one minute.
	return time.Minute
}

func (c *Client) resolve(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
