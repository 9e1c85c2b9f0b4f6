package classifier

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Flow Duration > 1000 is malicious in two of three trees.
const bundleJSON = `{
  "feature_names": ["Flow Duration", "Tot Fwd Pkts"],
  "model": {
    "type": "forest",
    "trees": [
      {"nodes": [{"feature": 0, "threshold": 1000, "left": 1, "right": 2}, {"label": "Benign"}, {"label": "Malicious"}]},
      {"nodes": [{"feature": 0, "threshold": 1000, "left": 1, "right": 2}, {"label": "Benign"}, {"label": "Malicious"}]},
      {"nodes": [{"feature": 1, "threshold": 5, "left": 1, "right": 2}, {"label": "Benign"}, {"label": "Malicious"}]}
    ]
  }
}`

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	b, err := DecodeBundle(strings.NewReader(bundleJSON))
	require.NoError(t, err)
	return b
}

func TestForestMajorityVote(t *testing.T) {
	b := testBundle(t)
	labels, err := b.Model.Predict([][]float64{{10, 1}, {5000, 1}, {10, 50}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Benign", "Malicious", "Benign"}, labels)
}

func TestForestRejectsShortRows(t *testing.T) {
	b := testBundle(t)
	_, err := b.Model.Predict([][]float64{{1}})
	assert.Error(t, err)
}

func TestDecodeBundleValidation(t *testing.T) {
	cases := map[string]string{
		"no features":   `{"feature_names": [], "model": {"trees": [{"nodes": [{"label": "Benign"}]}]}}`,
		"no trees":      `{"feature_names": ["a"], "model": {"trees": []}}`,
		"bad feature":   `{"feature_names": ["a"], "model": {"trees": [{"nodes": [{"feature": 3, "left": 1, "right": 2}, {"label": "x"}, {"label": "y"}]}]}}`,
		"cycle":         `{"feature_names": ["a"], "model": {"trees": [{"nodes": [{"feature": 0, "left": 0, "right": 1}, {"label": "x"}]}]}}`,
		"unknown model": `{"feature_names": ["a"], "model": {"type": "svm"}}`,
		"not json":      `joblib`,
	}
	for name, doc := range cases {
		_, err := DecodeBundle(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

const flowCSV = `Flow ID, Timestamp ,Flow Duration,Tot Fwd Pkts,Label
a,01/01/2018 08:00:00,10,1,x
b,01/01/2018 08:00:01,5000,1,x
c,01/01/2018 08:00:02,NaN,1,x
d,01/01/2018 08:00:03,Infinity,1,x
e,01/01/2018 08:00:04,oops,1,x
f,01/01/2018 08:00:05,7,2,x
`

func TestPrepareFeaturesCleansRows(t *testing.T) {
	table, err := PrepareFeatures(strings.NewReader(flowCSV), []string{"Tot Fwd Pkts", "Flow Duration"})
	require.NoError(t, err)

	assert.Equal(t, 3, table.Dropped)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, []float64{1, 10}, table.Features[0], "columns follow the bundle order")
	assert.Equal(t, []float64{1, 5000}, table.Features[1])
	assert.Equal(t, "f", table.Rows[2][0])
	assert.Equal(t, "Timestamp", table.Header[1], "header names are trimmed")
}

func TestPrepareFeaturesMissingColumns(t *testing.T) {
	_, err := PrepareFeatures(strings.NewReader(flowCSV), []string{"Flow Duration", "Fwd Pkt Len Max", "Timestamp"})
	var missing *MissingColumnsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"Fwd Pkt Len Max", "Timestamp"}, missing.Columns, "Timestamp is never a feature")
}

func TestPrepareFeaturesAllRowsDropped(t *testing.T) {
	doc := "Flow Duration\nNaN\n-inf\n\n"
	table, err := PrepareFeatures(strings.NewReader(doc), []string{"Flow Duration"})
	require.NoError(t, err)
	assert.Empty(t, table.Features)
}

func TestPrepareFeaturesEmptyFile(t *testing.T) {
	_, err := PrepareFeatures(strings.NewReader(""), []string{"a"})
	assert.Error(t, err)
}

func TestWriteWithLabels(t *testing.T) {
	table, err := PrepareFeatures(strings.NewReader(flowCSV), []string{"Flow Duration", "Tot Fwd Pkts"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.WriteWithLabels(&buf, []string{"Benign", "Malicious", "Benign"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], ",Label,Prediction"))
	assert.True(t, strings.HasSuffix(lines[2], ",x,Malicious"))

	assert.Error(t, table.WriteWithLabels(&buf, []string{"Benign"}))
}

func TestLoaderCachesSuccessOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	l := &Loader{candidates: []string{path}}

	_, err := l.Bundle()
	assert.True(t, errors.Is(err, ErrModelNotFound))

	require.NoError(t, os.WriteFile(path, []byte(bundleJSON), 0o644))
	first, err := l.Bundle()
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	second, err := l.Bundle()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoaderPrefersOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(override, []byte(bundleJSON), 0o644))

	l := NewLoader(override, nil)
	assert.Equal(t, override, l.candidates[0])
	b, err := l.Bundle()
	require.NoError(t, err)
	assert.Len(t, b.FeatureNames, 2)
}

func TestLoaderBadFileNotCached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	l := &Loader{candidates: []string{path}}

	_, err := l.Bundle()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(bundleJSON), 0o644))
	_, err = l.Bundle()
	assert.NoError(t, err)
}
