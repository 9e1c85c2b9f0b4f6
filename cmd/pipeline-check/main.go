// cmd/pipeline-check runs both pipeline stages on a local capture without a
// broker or object store, to check the flow tool and the model bundle.
//
// Usage:
//
//	./pipeline-check -input capture.pcap
//	./pipeline-check -input capture.pcap -model ml/model.json -keep out/
//	./pipeline-check -flows capture_Flow.csv   # skip extraction
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/braydenhuang/network-threat-detector/internal/classifier"
	"github.com/braydenhuang/network-threat-detector/internal/config"
	"github.com/braydenhuang/network-threat-detector/internal/flowmeter"
	"github.com/braydenhuang/network-threat-detector/internal/logging"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

type options struct {
	Input   string
	Flows   string
	Model   string
	Command string
	Dir     string
	Keep    string
	Timeout time.Duration
	Verbose bool
}

func main() {
	var opts options
	flag.StringVar(&opts.Input, "input", "", "Capture file to extract flows from")
	flag.StringVar(&opts.Flows, "flows", "", "Existing flow CSV; skips extraction")
	flag.StringVar(&opts.Model, "model", os.Getenv("MODEL_PATH"), "Model bundle path (default: search next to the binary, then ./ml)")
	flag.StringVar(&opts.Command, "command", envOr("FLOWMETER_COMMAND", config.DefaultFlowMeterCommand), "Flow tool command template")
	flag.StringVar(&opts.Dir, "dir", envOr("FLOWMETER_DIR", "."), "Working directory for the flow tool")
	flag.StringVar(&opts.Keep, "keep", "", "Copy the extracted flow CSV into this directory")
	flag.DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Overall timeout")
	flag.BoolVar(&opts.Verbose, "v", false, "Verbose output")
	flag.Parse()

	if (opts.Input == "") == (opts.Flows == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -input or -flows is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	flows := opts.Flows
	if opts.Input != "" {
		scratch, err := os.MkdirTemp("", "pipeline-check-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratch)

		start := time.Now()
		flows, err = extract(ctx, flowmeter.NewCICFlowMeter(opts.Command, opts.Dir), opts.Input, scratch)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Extraction finished in %v\n", time.Since(start).Round(time.Millisecond))

		if opts.Keep != "" {
			kept, err := keepCopy(flows, opts.Keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Flow table kept at %s\n", kept)
		}
	}

	logger := logging.Discard()
	if opts.Verbose {
		logger, _ = logging.New(os.Stderr, logging.Options{Level: "debug", Format: "text"})
	}
	bundle, err := classifier.NewLoader(opts.Model, logger).Bundle()
	if err != nil {
		return err
	}

	f, err := os.Open(flows)
	if err != nil {
		return err
	}
	defer f.Close()
	tbl, err := classifier.PrepareFeatures(f, bundle.FeatureNames)
	if err != nil {
		return err
	}
	info, _ := f.Stat()

	summary := table.NewWriter()
	summary.SetOutputMirror(out)
	summary.AppendRows([]table.Row{
		{"Flow table", flows},
		{"Size", humanize.IBytes(uint64(info.Size()))},
		{"Features", len(bundle.FeatureNames)},
		{"Rows kept", humanize.Comma(int64(len(tbl.Features)))},
		{"Rows dropped", humanize.Comma(int64(tbl.Dropped))},
	})

	if len(tbl.Features) == 0 {
		summary.AppendRow(table.Row{"Verdict", "none (no valid rows)"})
		summary.Render()
		return nil
	}
	labels, err := bundle.Model.Predict(tbl.Features)
	if err != nil {
		return err
	}
	verdict, err := schema.ParseLabel(labels[0])
	if err != nil {
		return err
	}
	summary.AppendRow(table.Row{"Verdict", verdict})
	summary.Render()

	renderCounts(out, labels)
	return nil
}

// extract runs the flow tool on a copy of capture and returns the selected table.
func extract(ctx context.Context, runner flowmeter.Runner, capture, scratch string) (string, error) {
	in := filepath.Join(scratch, "in")
	outDir := filepath.Join(scratch, "out")
	for _, d := range []string{in, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", err
		}
	}
	if err := copyFile(capture, filepath.Join(in, filepath.Base(capture))); err != nil {
		return "", fmt.Errorf("stage capture: %w", err)
	}
	if err := runner.Run(ctx, in, outDir); err != nil {
		return "", err
	}
	return flowmeter.SelectTable(outDir)
}

func renderCounts(out io.Writer, labels []string) {
	counts := map[string]int{}
	for _, l := range labels {
		counts[l]++
	}
	names := make([]string, 0, len(counts))
	for l := range counts {
		names = append(names, l)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Label", "Rows", "Share"})
	for _, l := range names {
		t.AppendRow(table.Row{l, humanize.Comma(int64(counts[l])), fmt.Sprintf("%.1f%%", 100*float64(counts[l])/float64(len(labels)))})
	}
	t.Render()
}

func keepCopy(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(src))
	return dst, copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
