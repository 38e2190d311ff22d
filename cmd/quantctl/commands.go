package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/starikovyaroslav/quantify/internal/api"
	app "github.com/starikovyaroslav/quantify/internal/app/quantize"
	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

// cancelGrace bounds the cancel request sent after an interrupt.
const cancelGrace = 10 * time.Second

var errInterrupted = errors.New("interrupted")

func newFlagSet(name string, e *env) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s %s\n%s", serviceType, commands[name].usage, fs.FlagUsages())
	}
	return fs
}

// parseArgs parses flags and checks that exactly n positional args remain.
func parseArgs(fs *pflag.FlagSet, args []string, n int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, pflag.ErrHelp
		}
		return nil, errUsage
	}
	if fs.NArg() != n {
		fs.Usage()
		return nil, errUsage
	}
	return fs.Args(), nil
}

// withStack builds the client stack, runs fn and tears the stack down.
func withStack(ctx context.Context, e *env, fn func(s *stack) error) error {
	s, err := e.stack()
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))
	return fn(s)
}

func helpOK(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func runSubmit(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("submit", e)
	width := fs.Int("width", quantize.DefaultDimension, "target width in pixels (50-1000)")
	height := fs.Int("height", quantize.DefaultDimension, "target height in pixels (50-1000)")
	quality := fs.Int("quality", quantize.DefaultQuality, "quantization quality (1-10)")
	out := fs.StringP("out", "O", "", "write the result to this file instead of stdout")
	detach := fs.Bool("detach", false, "return once the job is accepted")

	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	path := pos[0]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	payload, err := quantize.NewPayload(filepath.Base(path), data, mime.TypeByExtension(filepath.Ext(path)), e.cfg.Service.MaxFileSize)
	if err != nil {
		return err
	}
	params := quantize.SubmitParams{Width: *width, Height: *height, Quality: *quality}

	return withStack(ctx, e, func(s *stack) error {
		watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
		defer stopWatch()

		if !*detach {
			if err := s.bus.SubscribeTaskUpdates(watchCtx, progressPrinter(e.stderr)); err != nil {
				return err
			}
		}

		view, err := s.orchestrator.Submit(ctx, payload, params)
		if err != nil {
			return err
		}
		if *detach {
			return e.out.task(view)
		}

		final, err := s.orchestrator.WaitSettled(ctx, view.ID)
		if err != nil {
			if ctx.Err() == nil {
				return err
			}
			return interruptTask(ctx, e, s, view.ID)
		}
		stopWatch()

		switch final.Status {
		case quantize.TaskStatusCompleted:
			return writeResult(e, *out, final)
		case quantize.TaskStatusCancelled:
			return fmt.Errorf("task %s was cancelled", final.ID)
		default:
			return fmt.Errorf("task %s failed: %s", final.ID, final.ErrorDetail)
		}
	})
}

// interruptTask cancels a watched job after Ctrl-C.
func interruptTask(ctx context.Context, e *env, s *stack, id string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer cancel()

	action, err := s.coordinator.CancelTask(cctx, id)
	if err != nil {
		return fmt.Errorf("%w: cancelling task %s: %w", errInterrupted, id, err)
	}
	fmt.Fprintf(e.stderr, "task %s %s\n", id, action)
	return errInterrupted
}

func progressPrinter(w io.Writer) func(context.Context, quantize.TaskView) error {
	var (
		mu   sync.Mutex
		last string
	)
	return func(_ context.Context, v quantize.TaskView) error {
		mu.Lock()
		defer mu.Unlock()

		line := fmt.Sprintf("%s  %-10s %3d%%", v.ID, v.Status, v.Progress)
		if v.Message != "" {
			line += "  " + v.Message
		}
		if line == last {
			return nil
		}
		last = line
		_, err := fmt.Fprintln(w, line)
		return err
	}
}

func writeResult(e *env, out string, v quantize.TaskView) error {
	if !v.HasArtifact {
		return fmt.Errorf("task %s completed without a result", v.ID)
	}
	if out == "" || out == "-" {
		_, err := io.WriteString(e.out.w, v.Artifact)
		if err == nil && !strings.HasSuffix(v.Artifact, "\n") {
			_, err = io.WriteString(e.out.w, "\n")
		}
		return err
	}
	if err := os.WriteFile(out, []byte(v.Artifact), 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	fmt.Fprintf(e.stderr, "result written to %s\n", out)
	return nil
}

func runStatus(ctx context.Context, e *env, args []string) error {
	pos, err := parseArgs(newFlagSet("status", e), args, 1)
	if err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		report, err := s.client.Status(ctx, pos[0])
		if err != nil {
			return err
		}
		return e.out.status(report)
	})
}

// loadLists fills both polled collections so commands issued from a fresh
// process can resolve a task's status.
func loadLists(ctx context.Context, p *app.Poller) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RefreshHistory(gctx) })
	g.Go(func() error {
		p.RefreshActive(gctx)
		return nil
	})
	return g.Wait()
}

func runCancel(ctx context.Context, e *env, args []string) error {
	pos, err := parseArgs(newFlagSet("cancel", e), args, 1)
	if err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		if err := loadLists(ctx, s.poller); err != nil {
			return err
		}
		action, err := s.coordinator.CancelTask(ctx, pos[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out.w, "task %s %s\n", pos[0], action)
		return nil
	})
}

func runDelete(ctx context.Context, e *env, args []string) error {
	pos, err := parseArgs(newFlagSet("delete", e), args, 1)
	if err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		if err := loadLists(ctx, s.poller); err != nil {
			return err
		}
		if err := s.coordinator.DeleteTask(ctx, pos[0]); err != nil {
			return err
		}
		fmt.Fprintf(e.out.w, "task %s %s\n", pos[0], app.ActionDeleted)
		return nil
	})
}

func runCancelAll(ctx context.Context, e *env, args []string) error {
	if _, err := parseArgs(newFlagSet("cancel-all", e), args, 0); err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		s.poller.RefreshActive(ctx)
		n, err := s.coordinator.CancelAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out.w, "cancelled %d task(s)\n", n)
		return nil
	})
}

func runHistory(ctx context.Context, e *env, args []string) error {
	return listHistory(ctx, e, "history", app.SourceHistory, app.DefaultHistoryLimit, args)
}

func runGallery(ctx context.Context, e *env, args []string) error {
	return listHistory(ctx, e, "gallery", app.SourceGallery, app.DefaultGalleryHistoryLimit, args)
}

func listHistory(ctx context.Context, e *env, name string, source app.HistorySource, def int, args []string) error {
	fs := newFlagSet(name, e)
	limit := fs.Int("limit", def, "maximum number of jobs to list")
	if _, err := parseArgs(fs, args, 0); err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		p := s.listPoller(source, *limit)
		if err := p.RefreshHistory(ctx); err != nil {
			return err
		}
		return e.out.snapshot(p.Snapshot(quantize.ListHistory))
	})
}

func runActive(ctx context.Context, e *env, args []string) error {
	if _, err := parseArgs(newFlagSet("active", e), args, 0); err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		items, err := s.client.ListActive(ctx)
		if err != nil {
			return err
		}
		return e.out.snapshot(quantize.ListSnapshot{
			Kind:        quantize.ListActive,
			Items:       items,
			RefreshedAt: time.Now().UTC(),
		})
	})
}

func runPreview(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("preview", e)
	lines := fs.IntP("lines", "n", 20, "number of lines to show")
	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		text, err := s.client.Preview(ctx, pos[0], *lines)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(e.out.w, strings.TrimRight(text, "\n"))
		return err
	})
}

func runDownload(ctx context.Context, e *env, args []string) error {
	pos, err := parseArgs(newFlagSet("download", e), args, 2)
	if err != nil {
		return helpOK(err)
	}
	id, dest := pos[0], pos[1]
	return withStack(ctx, e, func(s *stack) error {
		body, err := s.client.Download(ctx, id)
		if err != nil {
			return err
		}
		if dest == "-" {
			_, err = e.out.w.Write(body)
			return err
		}
		if err := os.WriteFile(dest, body, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		fmt.Fprintf(e.stderr, "%d bytes written to %s\n", len(body), dest)
		return nil
	})
}

func runHealth(ctx context.Context, e *env, args []string) error {
	if _, err := parseArgs(newFlagSet("health", e), args, 0); err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		report, err := s.client.Health(ctx)
		if err != nil {
			return err
		}
		return e.out.health(report)
	})
}

func runServe(ctx context.Context, e *env, args []string) error {
	if _, err := parseArgs(newFlagSet("serve", e), args, 0); err != nil {
		return helpOK(err)
	}
	return withStack(ctx, e, func(s *stack) error {
		apiMetrics, err := api.NewAPIMetrics(s.providers.Meter)
		if err != nil {
			return fmt.Errorf("creating api metrics: %w", err)
		}

		server := api.NewServer(api.Config{
			Addr:            e.cfg.API.Addr,
			ShutdownTimeout: e.cfg.API.ShutdownTimeout,
			MaxUploadSize:   e.cfg.Service.MaxFileSize,
		}, e.log, s.tracer, apiMetrics, s.orchestrator, s.coordinator, s.poller, s.client)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := s.poller.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			s.poller.Stop()
			return nil
		})
		g.Go(func() error { return server.Start(gctx) })

		return g.Wait()
	})
}
