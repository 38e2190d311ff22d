// Command quantctl submits image quantization jobs to a remote service,
// watches them to completion and manages past and running jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/starikovyaroslav/quantify/internal/config"
)

var build = "develop"

const serviceType = "quantctl"

// errUsage marks a command line that could not be understood. Usage has
// already been printed.
var errUsage = errors.New("usage error")

func main() {
	// Set the correct number of threads for the process.
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "quantctl: %v\n", err)
		os.Exit(1)
	}
}

// command is one quantctl verb.
type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

// commands is filled in init since the command funcs refer back to it for
// their usage lines.
var commands map[string]command

func init() {
	commands = map[string]command{
		"submit": {
			usage:   "submit <image> [--width N] [--height N] [--quality N] [--out file] [--detach]",
			summary: "upload an image and watch the job until it finishes; Ctrl-C cancels it",
			run:     runSubmit,
		},
		"status":     {usage: "status <id>", summary: "ask the service for the state of one job", run: runStatus},
		"cancel":     {usage: "cancel <id>", summary: "stop a running job, or delete a finished one", run: runCancel},
		"delete":     {usage: "delete <id>", summary: "delete a finished job and its result", run: runDelete},
		"cancel-all": {usage: "cancel-all", summary: "stop every running job", run: runCancelAll},
		"history":    {usage: "history [--limit N]", summary: "list recent jobs", run: runHistory},
		"gallery":    {usage: "gallery [--limit N]", summary: "list jobs with their source file names", run: runGallery},
		"active":     {usage: "active", summary: "list running jobs", run: runActive},
		"preview":    {usage: "preview <id> [--lines N]", summary: "print the first lines of a result", run: runPreview},
		"download":   {usage: "download <id> <file|->", summary: "save a result file", run: runDownload},
		"health":     {usage: "health", summary: "probe the service", run: runHealth},
		"serve":      {usage: "serve", summary: "run the local JSON API", run: runServe},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet(serviceType, pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	configFile := global.StringP("config", "c", "", "YAML config file (default $"+config.ConfigFileEnv+")")
	format := global.StringP("output", "o", string(formatTable), "output format: table, json or yaml")
	global.Usage = func() { usage(stderr, global) }

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr, global)
		return errUsage
	}
	name := rest[0]
	if name == "help" {
		usage(stdout, global)
		return nil
	}
	if name == "version" {
		fmt.Fprintln(stdout, build)
		return nil
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr, global)
		return errUsage
	}

	out, err := newPrinter(stdout, outputFormat(*format))
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.Options{File: *configFile})
	if err != nil {
		return err
	}

	log, err := newLogger(stderr, cfg.Log)
	if err != nil {
		return err
	}

	e := &env{cfg: cfg, log: log, out: out, stderr: stderr}
	return cmd.run(ctx, e, rest[1:])
}

func usage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [flags] <command> [args]\n\nCommands:\n", serviceType)

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}

	fmt.Fprintf(w, "\nFlags:\n%s", global.FlagUsages())
}
