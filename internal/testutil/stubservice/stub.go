// Package stubservice runs an in-process fake of the quantization service
// for tests: the REST endpoints plus a scriptable status websocket.
package stubservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Route names accepted by Calls and FailNext.
const (
	RouteSubmit    = "submit"
	RouteStatus    = "status"
	RouteResult    = "result"
	RouteCancel    = "cancel"
	RouteCancelAll = "cancel_all"
	RouteDelete    = "delete"
	RouteHistory   = "history"
	RouteActive    = "active"
	RouteGallery   = "gallery"
	RoutePreview   = "preview"
	RouteDownload  = "download"
	RouteHealth    = "health"
	RouteChannel   = "channel"
)

// Task is the stub's record of a job.
type Task struct {
	ID        string
	Status    string
	Progress  int
	Message   string
	Error     string
	Width     int
	Height    int
	Quality   int
	Filename  string
	CreatedAt time.Time
	// Result is served UTF-16LE encoded once Status is "completed".
	Result string
}

type frame struct {
	data  []byte
	close bool
	drop  bool
}

type failure struct {
	status int
	detail string
}

// Service is the fake remote service.
type Service struct {
	Server *httptest.Server

	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	calls     map[string]int
	failures  map[string][]failure
	feeds     map[string]chan frame
	connected map[string]chan struct{}
	nextID    int
	submitted []SubmitRecord

	upgrader websocket.Upgrader
}

// SubmitRecord captures one accepted upload.
type SubmitRecord struct {
	Filename    string
	ContentType string
	Size        int
	Width       int
	Height      int
	Quality     int
}

// New starts the stub and registers its shutdown with t.
func New(t testing.TB) *Service {
	t.Helper()

	s := &Service{
		tasks:     make(map[string]*Task),
		calls:     make(map[string]int),
		failures:  make(map[string][]failure),
		feeds:     make(map[string]chan frame),
		connected: make(map[string]chan struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Server.Close)
	return s
}

// URL is the http base URL of the stub.
func (s *Service) URL() string { return s.Server.URL }

// WSURL is the websocket base URL of the stub.
func (s *Service) WSURL() string { return "ws" + strings.TrimPrefix(s.Server.URL, "http") }

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.track(RouteHealth, s.handleHealth))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/quantize/", s.track(RouteSubmit, s.handleSubmit))
		r.Get("/quantize/status/{id}", s.track(RouteStatus, s.handleStatus))
		r.Get("/quantize/result/{id}", s.track(RouteResult, s.handleResult))
		r.Post("/quantize/cancel/{id}", s.track(RouteCancel, s.handleCancel))

		r.Get("/history/", s.track(RouteHistory, s.handleHistory))
		r.Get("/history/active", s.track(RouteActive, s.handleActive))
		r.Post("/history/cancel-all", s.track(RouteCancelAll, s.handleCancelAll))

		r.Get("/gallery/", s.track(RouteGallery, s.handleGallery))
		r.Get("/gallery/{id}/preview", s.track(RoutePreview, s.handlePreview))
		r.Get("/gallery/{id}/download", s.track(RouteDownload, s.handleDownload))
		r.Delete("/gallery/{id}", s.track(RouteDelete, s.handleDelete))

		r.Get("/ws/{id}", s.track(RouteChannel, s.handleChannel))
	})

	return r
}

// track counts calls and serves any queued failure for the route.
func (s *Service) track(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		var f *failure
		if q := s.failures[route]; len(q) > 0 {
			f = &q[0]
			s.failures[route] = q[1:]
		}
		s.mu.Unlock()

		if f != nil {
			writeDetail(w, f.status, f.detail)
			return
		}
		next(w, r)
	}
}

// Calls reports how many requests route has served.
func (s *Service) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next request to route answer status with detail.
func (s *Service) FailNext(route string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failure{status: status, detail: detail})
}

// AddTask seeds a task. Missing fields get service defaults.
func (s *Service) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if _, ok := s.tasks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	cp := t
	s.tasks[t.ID] = &cp
}

// SetStatus updates a seeded task's status and result.
func (s *Service) SetStatus(id, status, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
		t.Result = result
		if status == "completed" {
			t.Progress = 100
			if t.Filename == "" {
				t.Filename = id + ".txt"
			}
		}
	}
}

// Task returns a copy of the stub's record for id.
func (s *Service) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Submissions returns every accepted upload in order.
func (s *Service) Submissions() []SubmitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmitRecord(nil), s.submitted...)
}

// Send queues a raw message on the status channel of id.
func (s *Service) Send(id, raw string) { s.feed(id) <- frame{data: []byte(raw)} }

// SendJSON queues an envelope built from typ and data.
func (s *Service) SendJSON(id, typ string, data map[string]any) {
	b, _ := json.Marshal(map[string]any{"type": typ, "data": data})
	s.feed(id) <- frame{data: b}
}

// CloseChannel ends the channel of id with a normal close frame.
func (s *Service) CloseChannel(id string) { s.feed(id) <- frame{close: true} }

// DropChannel kills the connection of id without a close frame.
func (s *Service) DropChannel(id string) { s.feed(id) <- frame{drop: true} }

// WaitConnected blocks until a client opened the channel of id.
func (s *Service) WaitConnected(id string, timeout time.Duration) bool {
	select {
	case <-s.connectedCh(id):
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Service) feed(id string) chan frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.feeds[id]
	if !ok {
		ch = make(chan frame, 64)
		s.feeds[id] = ch
	}
	return ch
}

func (s *Service) connectedCh(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.connected[id]
	if !ok {
		ch = make(chan struct{})
		s.connected[id] = ch
	}
	return ch
}

func (s *Service) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connected := s.connectedCh(id)
	s.mu.Lock()
	select {
	case <-connected:
	default:
		close(connected)
	}
	s.mu.Unlock()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	feed := s.feed(id)
	for {
		select {
		case <-clientGone:
			return
		case f := <-feed:
			switch {
			case f.drop:
				_ = conn.UnderlyingConn().Close()
				return
			case f.close:
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				<-clientGone
				return
			default:
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "quantize-stub"})
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer file.Close()

	width, _ := strconv.Atoi(r.FormValue("width"))
	height, _ := strconv.Atoi(r.FormValue("height"))
	quality, _ := strconv.Atoi(r.FormValue("quality"))
	if width < 50 || width > 1000 {
		writeDetail(w, http.StatusBadRequest, "Width must be between 50 and 1000")
		return
	}
	if height < 50 || height > 1000 {
		writeDetail(w, http.StatusBadRequest, "Height must be between 50 and 1000")
		return
	}
	if quality < 1 || quality > 10 {
		writeDetail(w, http.StatusBadRequest, "Quality must be between 1 and 10")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeDetail(w, http.StatusBadRequest, "File must be an image")
		return
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("task-%d", s.nextID)
	if _, taken := s.tasks[id]; taken {
		id = fmt.Sprintf("task-%d-%d", s.nextID, time.Now().UnixNano())
	}
	s.submitted = append(s.submitted, SubmitRecord{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        int(header.Size),
		Width:       width,
		Height:      height,
		Quality:     quality,
	})
	s.mu.Unlock()

	s.AddTask(Task{ID: id, Status: "pending", Width: width, Height: height, Quality: quality})

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        id,
		"status":         "pending",
		"estimated_time": max(1, width*height/10000),
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(chi.URLParam(r, "id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  t.ID,
		"status":   t.Status,
		"progress": t.Progress,
		"message":  t.Message,
		"width":    t.Width,
		"height":   t.Height,
		"quality":  t.Quality,
	})
}

func (s *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(chi.URLParam(r, "id"))
	switch {
	case !ok:
		writeDetail(w, http.StatusNotFound, "Task not found")
	case t.Status == "error":
		writeDetail(w, http.StatusInternalServerError, "Task failed: "+t.Error)
	case t.Status != "completed":
		writeDetail(w, http.StatusAccepted, "Task still processing")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-16")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(EncodeUTF16LE(t.Result))
	}
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	t, ok := s.tasks[id]
	var status string
	if ok {
		status = t.Status
		if !isTerminal(status) {
			t.Status = "cancelled"
			t.Message = "Task cancelled by user"
		}
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeDetail(w, http.StatusNotFound, "Task not found")
	case isTerminal(status):
		writeDetail(w, http.StatusBadRequest, "Task is already "+status)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Task cancelled successfully", "task_id": id})
	}
}

func (s *Service) handleCancelAll(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	cancelled := []string{}
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == "processing" || t.Status == "pending" || t.Status == "started" {
			t.Status = "cancelled"
			t.Message = "Task cancelled (bulk)"
			cancelled = append(cancelled, id)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"cancelled_count": len(cancelled), "cancelled_tasks": cancelled})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		order := s.order[:0]
		for _, o := range s.order {
			if o != id {
				order = append(order, o)
			}
		}
		s.order = order
	}
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "Result not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Result deleted successfully"})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items := s.snapshot(func(*Task) bool { return true })
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		out = append(out, historyItem(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleActive(w http.ResponseWriter, _ *http.Request) {
	items := s.snapshot(func(t *Task) bool { return t.Status == "processing" || t.Status == "pending" })
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		out = append(out, historyItem(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGallery(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items := s.snapshot(func(t *Task) bool { return t.Status == "completed" })
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		out = append(out, map[string]any{
			"task_id":    t.ID,
			"filename":   t.Filename,
			"created_at": strconv.FormatInt(t.CreatedAt.Unix(), 10),
			"width":      t.Width,
			"height":     t.Height,
			"quality":    t.Quality,
			"status":     t.Status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(chi.URLParam(r, "id"))
	if !ok || t.Status != "completed" {
		writeDetail(w, http.StatusNotFound, "Result not found")
		return
	}
	lines := strings.Split(t.Result, "\n")
	if n := queryInt(r, "max_lines", 50); len(lines) > n {
		lines = lines[:n]
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(lines, "\n")))
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(chi.URLParam(r, "id"))
	if !ok || t.Status != "completed" {
		writeDetail(w, http.StatusNotFound, "Result not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-16")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.txt"`, t.ID))
	_, _ = w.Write(EncodeUTF16LE(t.Result))
}

// snapshot returns matching tasks, newest first.
func (s *Service) snapshot(keep func(*Task) bool) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, id := range s.order {
		if t := s.tasks[id]; keep(t) {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func historyItem(t Task) map[string]any {
	item := map[string]any{
		"task_id":    t.ID,
		"status":     t.Status,
		"width":      t.Width,
		"height":     t.Height,
		"quality":    t.Quality,
		"created_at": t.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		"error":      nil,
	}
	if t.Error != "" {
		item["error"] = t.Error
	}
	return item
}

func isTerminal(status string) bool {
	return status == "completed" || status == "error" || status == "cancelled"
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// EncodeUTF16LE encodes s the way the service writes result files: UTF-16
// little endian with a byte order mark.
func EncodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2+2*len(units))
	out = append(out, 0xFF, 0xFE)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}
