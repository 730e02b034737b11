package inspect

import (
	"fmt"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapFetcher serves canned children and counts fetches.
type mapFetcher struct {
	children map[int][]dap.Variable
	calls    int
}

func (f *mapFetcher) fetch(ref int) ([]dap.Variable, error) {
	f.calls++
	return f.children[ref], nil
}

func TestScalarPassthrough(t *testing.T) {
	f := &mapFetcher{}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("x", "int", "42", 0, "")
	require.NoError(t, err)
	assert.Equal(t, KindScalar, res.Kind)
	assert.Equal(t, "42", res.Summary)
	assert.Zero(t, f.calls)
}

func TestScalarTruncatedTo256(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "a"
	}
	ins := New((&mapFetcher{}).fetch, 0)
	res, err := ins.Inspect("s", "str", long, 0, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Summary), 256+len("…"))
}

func TestMappingSortedAndBounded(t *testing.T) {
	children := make([]dap.Variable, 0, 30)
	for i := 29; i >= 0; i-- {
		children = append(children, dap.Variable{
			Name:  fmt.Sprintf("key%02d", i),
			Value: "v",
		})
	}
	f := &mapFetcher{children: map[int][]dap.Variable{1: children}}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("d", "dict", "{...}", 1, "")
	require.NoError(t, err)
	assert.Equal(t, KindMapping, res.Kind)
	require.Len(t, res.Preview, 21, "20 entries plus the more marker")
	assert.Contains(t, res.Preview[0], "key00")
	assert.Contains(t, res.Preview[20], "10 more")
}

func TestSequencePreviewWithMoreMarker(t *testing.T) {
	children := make([]dap.Variable, 0, 25)
	for i := 0; i < 25; i++ {
		children = append(children, dap.Variable{
			Name:  fmt.Sprintf("[%d]", i),
			Value: fmt.Sprintf("%d", i*i),
		})
	}
	f := &mapFetcher{children: map[int][]dap.Variable{7: children}}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("xs", "list", "[...]", 7, "")
	require.NoError(t, err)
	assert.Equal(t, KindSequence, res.Kind)
	assert.Equal(t, "25 elements", res.Summary)
	assert.Contains(t, res.Preview[len(res.Preview)-1], "5 more")
}

func TestTabularSchemaRendering(t *testing.T) {
	f := &mapFetcher{children: map[int][]dap.Variable{
		1: {
			{Name: "shape", Value: "(100, 3)"},
			{Name: "columns", Value: "...", VariablesReference: 2},
		},
		2: {
			{Name: "id", Value: "int64"},
			{Name: "name", Value: "object"},
			{Name: "score", Value: "float64"},
		},
	}}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("df", "DataFrame", "<DataFrame>", 1, "")
	require.NoError(t, err)
	assert.Equal(t, KindTabular, res.Kind)
	assert.Contains(t, res.Summary, "shape=(100, 3)")
	require.Len(t, res.Structure, 4, "header plus three columns")
	assert.Contains(t, res.Structure[1], "id")
	assert.Equal(t, 2, f.calls, "frame children and schema children only")
}

func TestNDArrayMetadata(t *testing.T) {
	f := &mapFetcher{children: map[int][]dap.Variable{
		1: {
			{Name: "shape", Value: "(2, 3)"},
			{Name: "dtype", Value: "float64"},
			{Name: "[0]", Value: "[1. 2. 3.]"},
			{Name: "[1]", Value: "[4. 5. 6.]"},
		},
	}}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("a", "ndarray", "array([...])", 1, "")
	require.NoError(t, err)
	assert.Equal(t, KindNDArray, res.Kind)
	assert.Contains(t, res.Summary, "shape=(2, 3)")
	assert.Contains(t, res.Summary, "dtype=float64")
	require.Len(t, res.Preview, 2)
}

// TestFetchBudgetBoundsCyclicGraphs proves the budget invariant: a
// self-referential tree never drives more than the configured number of
// child fetches.
func TestFetchBudgetBoundsCyclicGraphs(t *testing.T) {
	// Every node's children point back at the same reference.
	cyclic := []dap.Variable{
		{Name: "[0]", Value: "...", VariablesReference: 1},
		{Name: "[1]", Value: "...", VariablesReference: 1},
		{Name: "[2]", Value: "...", VariablesReference: 1},
	}
	f := &mapFetcher{children: map[int][]dap.Variable{1: cyclic}}

	budget := 5
	ins := New(f.fetch, budget)
	res, err := ins.Inspect("xs", "ndarray", "[...]", 1, "")
	require.NoError(t, err)

	assert.LessOrEqual(t, f.calls, budget)
	assert.LessOrEqual(t, res.Fetches, budget)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Preview[len(res.Preview)-1], "budget")
}

func TestPresentationHintClassification(t *testing.T) {
	f := &mapFetcher{children: map[int][]dap.Variable{
		3: {{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
	}}
	ins := New(f.fetch, 0)

	res, err := ins.Inspect("m", "CustomThing", "{a: 1, b: 2}", 3, "map")
	require.NoError(t, err)
	assert.Equal(t, KindMapping, res.Kind)
	assert.Equal(t, "2 entries", res.Summary)
}
