// Package pipeline implements the two worker stages: flow extraction from a
// capture and classification of the resulting flow table.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/braydenhuang/network-threat-detector/internal/process"
)

const (
	TaskExtractFlows  = "extract_flows"
	TaskClassifyFlows = "classify_flows"
)

type ExtractArgs struct {
	CaptureKey   string `json:"capture_key"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

type ClassifyArgs struct {
	FlowKey      string `json:"flow_key"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

func ExtractTask(args ExtractArgs) (process.Task, error) {
	return newTask(TaskExtractFlows, args)
}

func ClassifyTask(args ClassifyArgs) (process.Task, error) {
	return newTask(TaskClassifyFlows, args)
}

func newTask(name string, args any) (process.Task, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return process.Task{}, fmt.Errorf("encode %s args: %w", name, err)
	}
	return process.Task{Name: name, Args: raw}, nil
}

func decodeArgs(task process.Task, v any) error {
	if err := json.Unmarshal(task.Args, v); err != nil {
		return ValidationError{Message: fmt.Sprintf("decode %s args: %v", task.Name, err)}
	}
	return nil
}
