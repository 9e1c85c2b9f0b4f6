package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shouldColorize(w io.Writer, disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type painter struct{ enabled bool }

func (p painter) paint(s string, colors text.Colors) string {
	if !p.enabled {
		return s
	}
	return colors.Sprint(s)
}

func (p painter) ok(working bool, s string) string {
	if working {
		return p.paint(s, text.Colors{text.FgGreen})
	}
	return p.paint(s, text.Colors{text.FgRed})
}

func (p painter) state(s schema.AssignmentState) string {
	switch s {
	case schema.StateDone:
		return p.paint(string(s), text.Colors{text.FgGreen})
	case schema.StateFailed:
		return p.paint(string(s), text.Colors{text.FgRed})
	case schema.StateCreated:
		return string(s)
	}
	return p.paint(string(s), text.Colors{text.FgYellow})
}

func (p painter) jobStatus(s schema.JobStatus) string {
	switch s {
	case schema.JobSucceeded:
		return p.paint(string(s), text.Colors{text.FgGreen})
	case schema.JobFailed, schema.JobExpired:
		return p.paint(string(s), text.Colors{text.FgRed})
	}
	return p.paint(string(s), text.Colors{text.FgYellow})
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	return tw
}

func renderHealth(w io.Writer, h schema.Health, p painter) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Service", "Status", "Detail"})
	for _, s := range h.Services() {
		status := "working"
		if !s.Service.Working {
			status = "not working"
		}
		detail := ""
		if s.Service.Message != nil {
			detail = *s.Service.Message
		}
		tw.AppendRow(table.Row{s.Name, p.ok(s.Service.Working, status), detail})
	}
	tw.Render()
}

func renderUpload(w io.Writer, u schema.UploadResponse, p painter) {
	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"File", u.Filename},
		{"Size", humanize.IBytes(uint64(u.Filesize))},
		{"Accepted", p.ok(u.Success, fmt.Sprint(u.Success))},
		{"Assignment", deref(u.AssignmentID)},
		{"Message", deref(u.Message)},
	})
	tw.Render()
}

func renderAssignment(w io.Writer, a schema.AssignmentResponse, p painter) {
	fmt.Fprintf(w, "Assignment %s  %s\n", a.ID, p.state(a.State))
	if len(a.Stages) == 0 {
		fmt.Fprintln(w, "No stages dispatched yet.")
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"#", "Stage", "Work item", "Description"})
	for i, s := range a.Stages {
		tw.AppendRow(table.Row{i + 1, s.Name, deref(s.ID), s.Description})
	}
	tw.Render()
}

func renderJob(w io.Writer, j schema.JobResponse, p painter, now time.Time) {
	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Queue", j.Queue},
		{"Status", p.jobStatus(j.Status)},
		{"Enqueued", relTime(j.EnqueuedAt, now)},
		{"Started", relTime(j.StartedAt, now)},
		{"Ended", relTime(j.EndedAt, now)},
	})
	if j.StartedAt != nil && j.EndedAt != nil {
		tw.AppendRow(table.Row{"Duration", j.EndedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()})
	}
	if j.Error != "" {
		tw.AppendRow(table.Row{"Error", p.paint(j.Error, text.Colors{text.FgRed})})
	}
	if r := j.Result; r != nil {
		tw.AppendRow(table.Row{"Result", fmt.Sprintf("%s (success=%t)", r.Kind, r.Success)})
		if r.Message != nil {
			tw.AppendRow(table.Row{"Message", *r.Message})
		}
		if r.NextJobID != nil {
			tw.AppendRow(table.Row{"Next work item", *r.NextJobID})
		}
		if r.Prediction != nil {
			tw.AppendRow(table.Row{"Verdict", verdict(*r.Prediction, p)})
		}
		if r.Health != nil {
			var down []string
			for _, s := range r.Health.Services() {
				if !s.Service.Working {
					down = append(down, s.Name)
				}
			}
			tw.AppendRow(table.Row{"Unhealthy", strings.Join(down, ", ")})
		}
	}
	tw.Render()
}

func verdict(pred schema.Prediction, p painter) string {
	if pred == schema.Malicious {
		return p.paint(pred.Display(), text.Colors{text.FgRed, text.Bold})
	}
	return p.ok(pred == schema.Benign, pred.Display())
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.RelTime(*t, now, "ago", "from now"))
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
