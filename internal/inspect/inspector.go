// Package inspect renders structured values from DAP variable trees into
// compact text: tabular frames, N-D arrays, mappings, sequences, and
// scalars each get a shape-aware preview.
//
// variablesReference graphs can be cyclic, so expansion is lazy and
// bounded: the renderer never issues more than the configured number of
// child fetches per call, and recursion depth is capped. Exceeding a
// budget yields a truncation notice, not an error.
package inspect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-dap"
)

const (
	// DefaultFetchBudget caps child fetches per inspect call.
	DefaultFetchBudget = 64
	// maxDepth caps recursion into nested children.
	maxDepth = 3
	// maxEntries caps mapping/sequence entries shown.
	maxEntries = 20
	// shortValueLimit truncates mapping values.
	shortValueLimit = 80
	// scalarLimit truncates scalar passthrough values.
	scalarLimit = 256
	// arrayPreviewPerAxis bounds flattened array previews.
	arrayPreviewPerAxis = 6
)

// Fetcher expands one variablesReference. Implemented by the session
// over its DAP client.
type Fetcher func(ref int) ([]dap.Variable, error)

// Kind classifies the inspected value.
type Kind string

const (
	KindTabular  Kind = "tabular"
	KindNDArray  Kind = "ndarray"
	KindMapping  Kind = "mapping"
	KindSequence Kind = "sequence"
	KindScalar   Kind = "scalar"
)

// Result is the structured rendering of one value.
type Result struct {
	Name      string   `json:"name,omitempty"`
	Type      string   `json:"type,omitempty"`
	Kind      Kind     `json:"kind"`
	Summary   string   `json:"summary"`
	Structure []string `json:"structure,omitempty"`
	Preview   []string `json:"preview,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Fetches   int      `json:"fetches"`
}

// Inspector renders values within a per-call fetch budget.
type Inspector struct {
	fetch  Fetcher
	budget int
}

// New builds an inspector. budget <= 0 selects DefaultFetchBudget.
func New(fetch Fetcher, budget int) *Inspector {
	if budget <= 0 {
		budget = DefaultFetchBudget
	}
	return &Inspector{fetch: fetch, budget: budget}
}

type walker struct {
	ins     *Inspector
	fetches int
	spent   bool
}

// children fetches one reference, charging the budget.
func (w *walker) children(ref int) ([]dap.Variable, bool, error) {
	if w.fetches >= w.ins.budget {
		w.spent = true
		return nil, false, nil
	}
	w.fetches++
	vars, err := w.ins.fetch(ref)
	if err != nil {
		return nil, false, err
	}
	return vars, true, nil
}

var tabularTypes = regexp.MustCompile(`(?i)(dataframe|table|recordbatch)`)
var arrayTypes = regexp.MustCompile(`(?i)(ndarray|tensor|matrix)`)
var mappingTypes = regexp.MustCompile(`(?i)^(dict|map|hash|object)`)
var sequenceTypes = regexp.MustCompile(`(?i)^(list|slice|tuple|array|vec|set)`)

// Inspect renders the value described by (name, typeName, value, ref).
func (i *Inspector) Inspect(name, typeName, value string, ref int, hint string) (*Result, error) {
	w := &walker{ins: i}
	res, err := w.render(name, typeName, value, ref, hint)
	if err != nil {
		return nil, err
	}
	res.Fetches = w.fetches
	if w.spent {
		res.Truncated = true
		res.Preview = append(res.Preview, fmt.Sprintf("… truncated: child-fetch budget of %d exhausted", i.budget))
	}
	return res, nil
}

func (w *walker) render(name, typeName, value string, ref int, hint string) (*Result, error) {
	res := &Result{Name: name, Type: typeName}

	switch {
	case tabularTypes.MatchString(typeName):
		res.Kind = KindTabular
		return res, w.renderTabular(res, ref)
	case arrayTypes.MatchString(typeName):
		res.Kind = KindNDArray
		return res, w.renderArray(res, value, ref)
	case mappingTypes.MatchString(typeName) || hint == "map":
		res.Kind = KindMapping
		return res, w.renderMapping(res, value, ref)
	case sequenceTypes.MatchString(typeName) || hint == "array":
		res.Kind = KindSequence
		return res, w.renderSequence(res, value, ref)
	default:
		res.Kind = KindScalar
		res.Summary = short(value, scalarLimit)
		return res, nil
	}
}

// childNamed looks up a direct child by any of the given names.
func childNamed(children []dap.Variable, names ...string) (dap.Variable, bool) {
	for _, n := range names {
		for _, c := range children {
			if c.Name == n {
				return c, true
			}
		}
	}
	return dap.Variable{}, false
}

// renderTabular renders a data-frame-like value: header with shape and
// memory, then a schema table. Row previews are not fetched (expensive).
func (w *walker) renderTabular(res *Result, ref int) error {
	if ref == 0 {
		res.Summary = "tabular value (no children exposed)"
		return nil
	}
	children, ok, err := w.children(ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	header := []string{}
	if shape, found := childNamed(children, "shape"); found {
		header = append(header, "shape="+shape.Value)
	}
	if mem, found := childNamed(children, "memory_usage", "nbytes", "memory"); found {
		header = append(header, "memory="+mem.Value)
	}
	res.Summary = strings.Join(header, " ")
	if res.Summary == "" {
		res.Summary = fmt.Sprintf("tabular value with %d children", len(children))
	}

	// Schema: name and type when the frame exposes columns. Null counts
	// are not fetched; the nulls column always shows "-".
	cols, found := childNamed(children, "columns", "dtypes", "schema")
	if !found || cols.VariablesReference == 0 {
		return nil
	}
	colChildren, ok, err := w.children(cols.VariablesReference)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	res.Structure = append(res.Structure, "column | type | nulls")
	for idx, col := range colChildren {
		if idx >= maxEntries {
			res.Structure = append(res.Structure, fmt.Sprintf("… %d more", len(colChildren)-maxEntries))
			break
		}
		res.Structure = append(res.Structure, fmt.Sprintf("%s | %s | -", col.Name, short(col.Value, shortValueLimit)))
	}
	return nil
}

// renderArray renders (shape, dtype, memory) and a bounded flattened
// preview: at most arrayPreviewPerAxis elements per axis, depth capped.
func (w *walker) renderArray(res *Result, value string, ref int) error {
	res.Summary = short(value, scalarLimit)
	if ref == 0 {
		return nil
	}
	children, ok, err := w.children(ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	meta := []string{}
	for _, key := range []string{"shape", "dtype", "nbytes", "size"} {
		if c, found := childNamed(children, key); found {
			meta = append(meta, key+"="+c.Value)
		}
	}
	if len(meta) > 0 {
		res.Summary = strings.Join(meta, " ")
	}
	res.Preview = w.flattenPreview(children, 1)
	return nil
}

// flattenPreview collects leading elements per axis, recursing a bounded
// number of levels.
func (w *walker) flattenPreview(children []dap.Variable, depth int) []string {
	var out []string
	count := 0
	for _, c := range children {
		if !isIndexChild(c.Name) {
			continue
		}
		if count >= arrayPreviewPerAxis {
			out = append(out, "…")
			break
		}
		count++
		if c.VariablesReference != 0 && depth < maxDepth {
			sub, ok, err := w.children(c.VariablesReference)
			if err == nil && ok {
				nested := w.flattenPreview(sub, depth+1)
				out = append(out, c.Name+"="+strings.Join(nested, " "))
				continue
			}
		}
		out = append(out, c.Name+"="+short(c.Value, shortValueLimit))
	}
	return out
}

// isIndexChild matches synthetic element names like "[0]" or "0".
func isIndexChild(name string) bool {
	trimmed := strings.Trim(name, "[]")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// renderMapping shows up to maxEntries key->value pairs, keys sorted.
func (w *walker) renderMapping(res *Result, value string, ref int) error {
	res.Summary = short(value, scalarLimit)
	if ref == 0 {
		return nil
	}
	children, ok, err := w.children(ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	entries := make([]dap.Variable, 0, len(children))
	for _, c := range children {
		// Skip synthetic length/metadata children that debuggers add.
		if strings.HasPrefix(c.Name, "len(") || c.Name == "__len__" {
			continue
		}
		entries = append(entries, c)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for idx, c := range entries {
		if idx >= maxEntries {
			res.Preview = append(res.Preview, fmt.Sprintf("… %d more", len(entries)-maxEntries))
			break
		}
		res.Preview = append(res.Preview, fmt.Sprintf("%s → %s", c.Name, short(c.Value, shortValueLimit)))
	}
	res.Summary = fmt.Sprintf("%d entries", len(entries))
	return nil
}

// renderSequence shows up to maxEntries elements with index prefixes.
func (w *walker) renderSequence(res *Result, value string, ref int) error {
	res.Summary = short(value, scalarLimit)
	if ref == 0 {
		return nil
	}
	children, ok, err := w.children(ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	total := 0
	for _, c := range children {
		if !isIndexChild(c.Name) {
			continue
		}
		if total < maxEntries {
			res.Preview = append(res.Preview, fmt.Sprintf("%s: %s", c.Name, short(c.Value, shortValueLimit)))
		}
		total++
	}
	if total > maxEntries {
		res.Preview = append(res.Preview, fmt.Sprintf("… %d more", total-maxEntries))
	}
	res.Summary = fmt.Sprintf("%d elements", total)
	return nil
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
