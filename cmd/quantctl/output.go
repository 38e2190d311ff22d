package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/infra/transport/rest"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

// printer renders command results in the selected format.
type printer struct {
	w      io.Writer
	format outputFormat
}

func newPrinter(w io.Writer, format outputFormat) (*printer, error) {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return &printer{w: w, format: format}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q: want table, json or yaml", format)
	}
}

// render encodes v for json and yaml, and calls table otherwise.
func (p *printer) render(v any, table func(tw *tabwriter.Writer)) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func (p *printer) snapshot(snap quantize.ListSnapshot) error {
	return p.render(snap, func(tw *tabwriter.Writer) {
		if len(snap.Items) == 0 {
			fmt.Fprintf(tw, "no %s jobs\n", snap.Kind)
			return
		}
		fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tQUALITY\tCREATED\tDETAIL")
		for _, it := range snap.Items {
			detail := it.Filename
			if it.Error != "" {
				detail = it.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				it.ID, it.Status, size(it.Width, it.Height), optional(it.Quality), timestamp(it.CreatedAt), detail)
		}
	})
}

func (p *printer) task(v quantize.TaskView) error {
	return p.render(v, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID\t%s\n", v.ID)
		fmt.Fprintf(tw, "STATUS\t%s\n", v.Status)
		fmt.Fprintf(tw, "PROGRESS\t%d%%\n", v.Progress)
		fmt.Fprintf(tw, "SIZE\t%dx%d\n", v.Params.Width, v.Params.Height)
		fmt.Fprintf(tw, "QUALITY\t%d\n", v.Params.Quality)
		if v.EstimatedTime > 0 {
			fmt.Fprintf(tw, "ESTIMATED\t%s\n", v.EstimatedTime)
		}
		if v.Message != "" {
			fmt.Fprintf(tw, "MESSAGE\t%s\n", v.Message)
		}
		if v.ErrorDetail != "" {
			fmt.Fprintf(tw, "ERROR\t%s\n", v.ErrorDetail)
		}
		fmt.Fprintf(tw, "SUBMITTED\t%s\n", timestamp(v.SubmittedAt))
	})
}

func (p *printer) status(r rest.StatusReport) error {
	return p.render(r, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID\t%s\n", r.TaskID)
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		fmt.Fprintf(tw, "PROGRESS\t%d%%\n", r.Progress)
		fmt.Fprintf(tw, "SIZE\t%s\n", size(r.Width, r.Height))
		fmt.Fprintf(tw, "QUALITY\t%s\n", optional(r.Quality))
		if r.Message != "" {
			fmt.Fprintf(tw, "MESSAGE\t%s\n", r.Message)
		}
		if r.Error != "" {
			fmt.Fprintf(tw, "ERROR\t%s\n", r.Error)
		}
	})
}

func (p *printer) health(r rest.HealthReport) error {
	return p.render(r, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		if r.Service != "" {
			fmt.Fprintf(tw, "SERVICE\t%s\n", r.Service)
		}
	})
}

func size(w, h *int) string {
	if w == nil || h == nil {
		return "-"
	}
	return fmt.Sprintf("%dx%d", *w, *h)
}

func optional(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
