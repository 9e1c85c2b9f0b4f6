// Package flowmeter runs the external flow extraction tool that turns a
// directory of packet captures into CSV flow tables.
package flowmeter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNoTable = errors.New("flow tool produced no CSV output")

// Runner extracts flows from every capture in inputDir into outputDir.
type Runner interface {
	Run(ctx context.Context, inputDir, outputDir string) error
}

// CICFlowMeter invokes the tool through a command template. The tokens
// {input} and {output} are replaced with the directories.
type CICFlowMeter struct {
	Command string
	Dir     string
}

func NewCICFlowMeter(command, dir string) *CICFlowMeter {
	return &CICFlowMeter{Command: command, Dir: dir}
}

func (c *CICFlowMeter) Name() string { return "cicflowmeter" }

func (c *CICFlowMeter) Run(ctx context.Context, inputDir, outputDir string) error {
	args, err := expand(c.Command, inputDir, outputDir)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", args[0], err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w\nOutput: %s", c.Name(), err, tail(out, 4096))
	}
	return nil
}

func expand(template, inputDir, outputDir string) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, errors.New("flow tool command is empty")
	}
	r := strings.NewReplacer("{input}", inputDir, "{output}", outputDir)
	for i, f := range fields {
		fields[i] = r.Replace(f)
	}
	return fields, nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// SelectTable returns the lexically first *.csv file in dir.
func SelectTable(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read output dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoTable
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}
