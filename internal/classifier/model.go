// Package classifier loads the trained flow classifier and scores flow
// tables with it.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Model maps rows of features, ordered as the bundle's feature names, to
// labels.
type Model interface {
	Predict(rows [][]float64) ([]string, error)
}

// Bundle is an immutable trained model together with the feature columns
// it was trained on.
type Bundle struct {
	FeatureNames []string
	Model        Model
}

type bundleFile struct {
	FeatureNames []string        `json:"feature_names"`
	Model        json.RawMessage `json:"model"`
}

type modelHeader struct {
	Type string `json:"type"`
}

// DecodeBundle reads a bundle document. The only model type understood is
// "forest".
func DecodeBundle(r io.Reader) (*Bundle, error) {
	var f bundleFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if len(f.FeatureNames) == 0 {
		return nil, errors.New("bundle has no feature names")
	}
	var hdr modelHeader
	if err := json.Unmarshal(f.Model, &hdr); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	switch hdr.Type {
	case "forest", "":
		var forest Forest
		if err := json.Unmarshal(f.Model, &forest); err != nil {
			return nil, fmt.Errorf("decode forest: %w", err)
		}
		if err := forest.validate(len(f.FeatureNames)); err != nil {
			return nil, err
		}
		return &Bundle{FeatureNames: f.FeatureNames, Model: &forest}, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", hdr.Type)
	}
}

// Forest is a set of binary decision trees evaluated by majority vote.
// Ties go to the label that sorts first.
type Forest struct {
	Trees []Tree `json:"trees"`

	width int
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split when Label is empty: rows with feature <= Threshold go
// Left, the rest go Right. Children are indexes into the tree's nodes.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Label     string  `json:"label,omitempty"`
}

func (f *Forest) validate(features int) error {
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	f.width = features
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range t.Nodes {
			if n.Label != "" {
				continue
			}
			if n.Feature < 0 || n.Feature >= features {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: bad child index", ti, ni)
			}
		}
	}
	return nil
}

func (t Tree) eval(row []float64) string {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Label != "" {
			return n.Label
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (f *Forest) Predict(rows [][]float64) ([]string, error) {
	out := make([]string, len(rows))
	votes := make(map[string]int)
	for r, row := range rows {
		if len(row) != f.width {
			return nil, fmt.Errorf("row %d has %d features, want %d", r, len(row), f.width)
		}
		clear(votes)
		for _, t := range f.Trees {
			votes[t.eval(row)]++
		}
		best, bestVotes := "", -1
		for label, n := range votes {
			if n > bestVotes || (n == bestVotes && label < best) {
				best, bestVotes = label, n
			}
		}
		out[r] = best
	}
	return out, nil
}
