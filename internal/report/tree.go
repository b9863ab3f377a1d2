package report

import (
	"github.com/disiqueira/gotree/v3"

	"github.com/withObsrvr/content-catalog/internal/analyze"
)

// resultTree builds a tree from hierarchical result paths, sharing nodes
// for common prefixes.
type resultTree struct {
	root  gotree.Tree
	nodes map[string]gotree.Tree
}

func newResultTree(label string) *resultTree {
	return &resultTree{root: gotree.New(label), nodes: make(map[string]gotree.Tree)}
}

func (t *resultTree) insert(path []string) {
	parent := t.root
	key := ""
	for _, seg := range path {
		key += "\x00" + seg
		node := t.nodes[key]
		if node == nil {
			node = parent.Add(seg)
			t.nodes[key] = node
		}
		parent = node
	}
}

// RenderResults renders the results of one rule as a tree under label.
func RenderResults(label string, results []analyze.Result) string {
	t := newResultTree(label)
	for _, r := range results {
		t.insert(r.Path)
	}
	return t.root.Print()
}

// RenderDuplicateTree renders a duplicate report grouped by group and
// bundle.
func RenderDuplicateTree(r *analyze.DuplicateReport) string {
	return RenderResults("Duplicate dependencies", r.Results(analyze.GroupView))
}
