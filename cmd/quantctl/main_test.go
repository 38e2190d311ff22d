package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/testutil/stubservice"
)

// syncBuffer is written by the logger and the progress printer at once.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupService(t *testing.T) *stubservice.Service {
	t.Helper()

	svc := stubservice.New(t)
	t.Setenv("QUANTIFY_CONFIG", "")
	t.Setenv("QUANTIFY_SERVICE_BASE_URL", svc.URL())
	t.Setenv("QUANTIFY_LOG_LEVEL", "error")
	return svc
}

func writeImage(t *testing.T) string {
	t.Helper()

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, png, 0o600))
	return path
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     error
		wantErrText string
		wantOut     string
	}{
		{name: "no command", args: nil, wantErr: errUsage},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: errUsage},
		{name: "help", args: []string{"help"}, wantOut: "cancel-all"},
		{name: "version", args: []string{"version"}, wantOut: build},
		{name: "missing argument", args: []string{"status"}, wantErr: errUsage},
		{name: "bad output format", args: []string{"-o", "xml", "history"}, wantErrText: "unknown output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupService(t)
			var stdout, stderr syncBuffer

			err := run(context.Background(), tt.args, &stdout, &stderr)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantErrText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrText)
			default:
				require.NoError(t, err)
				assert.Contains(t, stdout.String(), tt.wantOut)
			}
		})
	}
}

func TestRun_SubmitWatchesUntilCompleted(t *testing.T) {
	svc := setupService(t)
	image := writeImage(t)

	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"submit", image, "--width", "300", "--quality", "7"}, &stdout, &stderr)
	}()

	require.True(t, svc.WaitConnected("task-1", 5*time.Second), "status channel never opened")
	svc.SendJSON("task-1", "update", map[string]any{"status": "processing", "progress": 50, "message": "Quantizing"})
	svc.SetStatus("task-1", "completed", "0 0 0\n1 1 1")
	svc.SendJSON("task-1", "status", map[string]any{"status": "completed", "progress": 100})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("submit did not return")
	}

	assert.Equal(t, "0 0 0\n1 1 1\n", stdout.String())
	assert.Contains(t, stderr.String(), "task-1  processing  50%  Quantizing")
	assert.Equal(t, 1, svc.Calls(stubservice.RouteResult))

	subs := svc.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, 300, subs[0].Width)
	assert.Equal(t, quantize.DefaultDimension, subs[0].Height)
	assert.Equal(t, 7, subs[0].Quality)
	assert.Equal(t, "image/png", subs[0].ContentType)
}

func TestRun_SubmitWritesResultFile(t *testing.T) {
	svc := setupService(t)
	image := writeImage(t)
	out := filepath.Join(t.TempDir(), "result.txt")

	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"submit", image, "--out", out}, &stdout, &stderr)
	}()

	require.True(t, svc.WaitConnected("task-1", 5*time.Second))
	svc.SetStatus("task-1", "completed", "palette")
	svc.SendJSON("task-1", "status", map[string]any{"status": "completed"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("submit did not return")
	}

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "palette", string(got))
	assert.Empty(t, stdout.String())
}

func TestRun_SubmitReportsServerError(t *testing.T) {
	svc := setupService(t)
	image := writeImage(t)

	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"submit", image}, &stdout, &stderr)
	}()

	require.True(t, svc.WaitConnected("task-1", 5*time.Second))
	svc.SendJSON("task-1", "status", map[string]any{"status": "error", "error": "out of memory"})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of memory")
	case <-time.After(10 * time.Second):
		t.Fatal("submit did not return")
	}
	assert.Zero(t, svc.Calls(stubservice.RouteResult))
}

func TestRun_SubmitInterruptCancelsJob(t *testing.T) {
	svc := setupService(t)
	image := writeImage(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"submit", image}, &stdout, &stderr)
	}()

	require.True(t, svc.WaitConnected("task-1", 5*time.Second))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errInterrupted)
	case <-time.After(10 * time.Second):
		t.Fatal("submit did not return")
	}

	assert.Equal(t, 1, svc.Calls(stubservice.RouteCancel))
	assert.Zero(t, svc.Calls(stubservice.RouteDelete))
	task, ok := svc.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, "cancelled", task.Status)
	assert.Contains(t, stderr.String(), "task task-1 cancelled")
}

func TestRun_CancelChoosesEndpointByStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		wantOut    string
		wantCancel int
		wantDelete int
	}{
		{name: "running job is stopped", status: "processing", wantOut: "task job-1 cancelled", wantCancel: 1},
		{name: "finished job is deleted", status: "completed", wantOut: "task job-1 deleted", wantDelete: 1},
		{name: "failed job is deleted", status: "error", wantOut: "task job-1 deleted", wantDelete: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupService(t)
			svc.AddTask(stubservice.Task{ID: "job-1", Status: tt.status, Width: 200, Height: 200, Quality: 5})

			var stdout, stderr syncBuffer
			require.NoError(t, run(context.Background(), []string{"cancel", "job-1"}, &stdout, &stderr))

			assert.Contains(t, stdout.String(), tt.wantOut)
			assert.Equal(t, tt.wantCancel, svc.Calls(stubservice.RouteCancel))
			assert.Equal(t, tt.wantDelete, svc.Calls(stubservice.RouteDelete))
		})
	}
}

func TestRun_DeleteRefusesRunningJob(t *testing.T) {
	svc := setupService(t)
	svc.AddTask(stubservice.Task{ID: "job-1", Status: "processing"})

	var stdout, stderr syncBuffer
	err := run(context.Background(), []string{"delete", "job-1"}, &stdout, &stderr)

	assert.ErrorIs(t, err, quantize.ErrTaskActive)
	assert.Zero(t, svc.Calls(stubservice.RouteDelete))
}

func TestRun_CancelAll(t *testing.T) {
	svc := setupService(t)
	svc.AddTask(stubservice.Task{ID: "a", Status: "processing"})
	svc.AddTask(stubservice.Task{ID: "b", Status: "pending"})
	svc.AddTask(stubservice.Task{ID: "c", Status: "completed"})

	var stdout, stderr syncBuffer
	require.NoError(t, run(context.Background(), []string{"cancel-all"}, &stdout, &stderr))

	assert.Equal(t, "cancelled 2 task(s)\n", stdout.String())
	assert.Equal(t, 1, svc.Calls(stubservice.RouteCancelAll))
}

func TestRun_HistoryAsJSON(t *testing.T) {
	svc := setupService(t)
	now := time.Now().UTC().Truncate(time.Second)
	svc.AddTask(stubservice.Task{ID: "old", Status: "completed", Width: 200, Height: 200, Quality: 5, CreatedAt: now.Add(-time.Hour)})
	svc.AddTask(stubservice.Task{ID: "new", Status: "error", Error: "boom", Width: 100, Height: 100, Quality: 2, CreatedAt: now})

	var stdout, stderr syncBuffer
	require.NoError(t, run(context.Background(), []string{"-o", "json", "history"}, &stdout, &stderr))

	var snap quantize.ListSnapshot
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &snap))
	assert.Equal(t, quantize.ListHistory, snap.Kind)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "new", snap.Items[0].ID)
	assert.Equal(t, "boom", snap.Items[0].Error)
	assert.Equal(t, "old", snap.Items[1].ID)
}

func TestRun_ActiveTable(t *testing.T) {
	svc := setupService(t)
	svc.AddTask(stubservice.Task{ID: "run-1", Status: "processing", Width: 640, Height: 480, Quality: 9})

	var stdout, stderr syncBuffer
	require.NoError(t, run(context.Background(), []string{"active"}, &stdout, &stderr))

	out := stdout.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "640x480")
}
