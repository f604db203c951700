package recorder

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCommitIterationAppendsAndClears(t *testing.T) {
	r := NewResult()

	r.AddMetric("residualnorm", 4.0)
	r.AddEvaluations("jacobi-matrix", []Evaluation{{ID: "1"}, {ID: "2", Tag: "own"}})
	r.CommitIteration()

	r.AddMetric("residualnorm", 1.0)
	r.CommitIteration()

	require.Equal(t, 2, r.IterationCount())
	its := r.Iterations()
	assert.Equal(t, 0, its[0].Index)
	assert.Equal(t, 1, its[1].Index)
	assert.Len(t, its[0].Evaluations, 2)
	assert.Equal(t, "jacobi-matrix", its[0].Evaluations[0].Tag)
	assert.Equal(t, "own", its[0].Evaluations[1].Tag)
	assert.Empty(t, its[1].Evaluations)
	assert.Empty(t, r.Current())
	assert.Equal(t, []float64{4, 1}, r.Floats("residualnorm"))
}

func TestMetricsAreSnapshots(t *testing.T) {
	r := NewResult()

	params := []float64{1, 2}
	jac := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	r.AddMetric("parameters", params)
	r.AddMetric("jacobian", jac)
	r.CommitIteration()

	params[0] = 99
	jac.Set(0, 0, 99)

	it, ok := r.Last()
	require.True(t, ok)
	got, ok := it.Vector("parameters")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, got)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, it.Metrics["jacobian"])
}

func TestFloatsMissingIsNaN(t *testing.T) {
	r := NewResult()
	r.CommitIteration()
	r.AddMetric("reduction", 0.5)
	r.CommitIteration()

	got := r.Floats("reduction")
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, 0.5, got[1])
}

func TestSinksSeeEveryCommit(t *testing.T) {
	var seen []int
	r := NewResult(SinkFunc(func(it Iteration) error {
		seen = append(seen, it.Index)
		return nil
	}))
	r.AddSink(SinkFunc(func(Iteration) error { return errors.New("broken sink") }))

	r.CommitIteration()
	r.CommitIteration()

	assert.Equal(t, []int{0, 1}, seen)
	assert.Equal(t, 2, r.IterationCount(), "sink errors do not fail commits")
}

func TestMetadataAndLogs(t *testing.T) {
	r := NewResult()
	r.AddRunMetadata("evaluator_totalcount", 3)
	r.AddRunMetadata("evaluator_totalcount", 5)
	r.Log("hello")

	assert.Equal(t, 5, r.Metadata()["evaluator_totalcount"])
	logs := r.Logs()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "hello")
	assert.Contains(t, r.String(), "evaluator_totalcount: 5")
}

func TestRestore(t *testing.T) {
	r := NewResult()
	r.AddMetric("residualnorm", 2.0)
	r.CommitIteration()
	r.AddRunMetadata("optimizer", "gauss-newton")

	restored := Restore(r.Snapshot())
	assert.Equal(t, 1, restored.IterationCount())
	assert.Equal(t, "gauss-newton", restored.Metadata()["optimizer"])
}

func TestSeriesAndMulti(t *testing.T) {
	a, b := NewResult(), NewResult()
	m := Multi(a, b)

	m.AddMetric("parameters", []float64{1, 2})
	m.AddRunMetadata("optimizertype", "mma")
	m.CommitIteration()
	m.CommitIteration()

	for _, r := range []*Result{a, b} {
		assert.Equal(t, 2, r.IterationCount())
		got := r.Series("parameters")
		require.Len(t, got, 2)
		assert.Equal(t, []float64{1, 2}, got[0])
		assert.Nil(t, got[1])
		assert.Equal(t, "mma", r.Metadata()["optimizertype"])
	}
}

func TestSave(t *testing.T) {
	r := NewResult()
	r.AddMetric("residualnorm", 0.25)
	r.CommitIteration()

	path := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, r.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Iterations, 1)

	restored := Restore(snap)
	assert.Equal(t, []float64{0.25}, restored.Floats("residualnorm"))
}
