package classifier

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// NonFeatureColumns are dropped before feature selection.
var NonFeatureColumns = []string{"Timestamp"}

// Table is a flow table after cleaning. Rows holds the kept rows as read
// (every column); Features holds the matching numeric feature vectors.
type Table struct {
	Header   []string
	Rows     [][]string
	Features [][]float64
	Dropped  int
}

// MissingColumnsError lists feature columns absent from a flow table.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	cols := e.Columns
	if len(cols) > 10 {
		cols = cols[:10]
	}
	return fmt.Sprintf("missing expected features in flow CSV: %s", strings.Join(cols, ", "))
}

// PrepareFeatures reads a flow CSV and selects featureNames from it in
// order. Rows with any unparseable, NaN or infinite feature are dropped.
func PrepareFeatures(r io.Reader, featureNames []string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("flow CSV is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read flow CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if isNonFeature(name) {
			continue
		}
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	cols := make([]int, len(featureNames))
	var missing []string
	for i, name := range featureNames {
		c, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[i] = c
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	t := &Table{Header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read flow CSV: %w", err)
		}
		vec, ok := parseRow(rec, cols)
		if !ok {
			t.Dropped++
			continue
		}
		t.Rows = append(t.Rows, rec)
		t.Features = append(t.Features, vec)
	}
	return t, nil
}

func isNonFeature(name string) bool {
	for _, c := range NonFeatureColumns {
		if name == c {
			return true
		}
	}
	return false
}

func parseRow(rec []string, cols []int) ([]float64, bool) {
	vec := make([]float64, len(cols))
	for i, c := range cols {
		if c >= len(rec) {
			return nil, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		vec[i] = v
	}
	return vec, true
}

// WriteWithLabels writes the kept rows with an extra Prediction column.
func (t *Table) WriteWithLabels(w io.Writer, labels []string) error {
	if len(labels) != len(t.Rows) {
		return fmt.Errorf("have %d labels for %d rows", len(labels), len(t.Rows))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, t.Header...), "Prediction")); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if err := cw.Write(append(append([]string{}, row...), labels[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
