package tracer

import (
	"fmt"

	"github.com/emicklei/dot"
)

// DOTGraph renders a drained FlatTrace list as a call-tree graph for
// operator debugging. Not part of the query surface proper — supplied
// because a flattened call tree is exactly what this library visualizes.
func DOTGraph(traces []*FlatTrace) string {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")

	nodes := make(map[string]dot.Node, len(traces))
	nodeKey := func(addr []int) string { return fmt.Sprintf("%v", addr) }

	for _, ft := range traces {
		label := nodeLabel(ft)
		n := g.Node(nodeKey(ft.TraceAddress)).Label(label)
		if ft.Failed {
			n.Attr("color", "red")
		}
		nodes[nodeKey(ft.TraceAddress)] = n
	}
	for _, ft := range traces {
		if len(ft.TraceAddress) == 0 {
			continue
		}
		parentAddr := ft.TraceAddress[:len(ft.TraceAddress)-1]
		parent, ok := nodes[nodeKey(parentAddr)]
		if !ok {
			continue
		}
		g.Edge(parent, nodes[nodeKey(ft.TraceAddress)])
	}
	return g.String()
}

func nodeLabel(ft *FlatTrace) string {
	switch ft.Type {
	case ActionCreate:
		return fmt.Sprintf("CREATE -> %s", ft.Addr.Hex())
	case ActionSuicide:
		return fmt.Sprintf("SUICIDE %s", ft.From.Hex())
	default:
		return fmt.Sprintf("%s %s -> %s", ft.CallType, ft.From.Hex(), ft.To.Hex())
	}
}
