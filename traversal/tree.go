package traversal

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/text/width"

	"github.com/gogpu/imgdag/graphmodel"
)

// PrintDependencyTree writes a stable, indented text tree of rootID's
// dependencies to w (§4.4 "print_dependency_tree produces a stable,
// indented text tree"). Children at each level are sorted by id so the
// output is deterministic across runs.
func PrintDependencyTree(w io.Writer, g *graphmodel.GraphModel, rootID int) error {
	return printNode(w, g, rootID, "", true, make(map[int]bool))
}

func printNode(w io.Writer, g *graphmodel.GraphModel, id int, prefix string, isLast bool, onPath map[int]bool) error {
	label := nodeLabel(g, id)

	connector := "├── "
	if isLast {
		connector = "└── "
	}
	if prefix == "" {
		connector = ""
	}
	if _, err := fmt.Fprintf(w, "%s%s%s\n", prefix, connector, label); err != nil {
		return err
	}

	if onPath[id] {
		// A cycle should already have been rejected at add_node time;
		// this only guards against printing a malformed graph loaded
		// directly from an external YAML file.
		return nil
	}
	onPath[id] = true
	defer delete(onPath, id)

	deps := g.InputNodeIDs(id)
	sort.Ints(deps)

	childPrefix := prefix + "    "
	if !isLast {
		childPrefix = prefix + "│   "
	}
	for i, depID := range deps {
		if err := printNode(w, g, depID, childPrefix, i == len(deps)-1, onPath); err != nil {
			return err
		}
	}
	return nil
}

func nodeLabel(g *graphmodel.GraphModel, id int) string {
	node, ok := g.GetNode(id)
	if !ok {
		return fmt.Sprintf("#%d <missing>", id)
	}
	return fmt.Sprintf("#%d %s (%s)", id, node.Name, node.RegistryKey())
}

// DisplayWidth returns the terminal column width of s, counting
// East-Asian wide/fullwidth runes as 2 columns and everything else as 1.
// A front end laying node labels out in fixed-width columns (e.g. a
// details table alongside the dependency tree) uses this instead of
// len(s) or utf8.RuneCountInString, both of which undercount wide glyphs.
func DisplayWidth(s string) int {
	cols := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			cols += 2
		default:
			cols++
		}
	}
	return cols
}
