// Package graph holds the pure fraud detectors. Both run over the receipt
// set of a single root transaction, are deterministic, and never depend on
// the order receipts were inserted: edges are re-ordered by hop and nodes
// visited in sorted order before any traversal.
package graph

import "sort"

// Edge is one receipt's contribution to a root's routing graph.
type Edge struct {
	Hop                    int
	Source                 string
	Dest                   string
	AmountUSDC             int64
	ManifestActiveAtRecord bool
}

// CycleReport is the outcome of DetectCycle. InvalidReceipts counts receipts
// whose referenced manifest was not active when the receipt was written; it
// is a tamper signal and is reported even when no cycle exists.
type CycleReport struct {
	Found           bool     `json:"found"`
	Agents          []string `json:"cycle_agents,omitempty"`
	Depth           int      `json:"cycle_depth,omitempty"`
	InvalidReceipts int      `json:"invalid_receipts"`
}

// LoopReport is the outcome of DetectExtractionLoop.
type LoopReport struct {
	Found              bool     `json:"found"`
	Agents             []string `json:"loop_agents,omitempty"`
	Hops               int      `json:"loop_hops,omitempty"`
	ExtractedValueUSDC int64    `json:"extracted_value_usdc,omitempty"`
}

// DetectCycle finds any agent revisited along a single forwarding path.
// Returned agents are the ordered repeated sub-path, starting at the
// revisited agent.
func DetectCycle(edges []Edge) CycleReport {
	report := CycleReport{}
	for _, e := range edges {
		if !e.ManifestActiveAtRecord {
			report.InvalidReceipts++
		}
	}
	if len(edges) == 0 {
		return report
	}

	sorted := sortedByHop(edges)

	adj := make(map[string][]Edge)
	nodeSet := make(map[string]struct{})
	for _, e := range sorted {
		adj[e.Source] = append(adj[e.Source], e)
		nodeSet[e.Source] = struct{}{}
		nodeSet[e.Dest] = struct{}{}
	}
	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	state := make(map[string]int, len(nodes)) // 0 unvisited, 1 on path, 2 done
	var path []string
	var found []string

	var visit func(n string) bool
	visit = func(n string) bool {
		state[n] = 1
		path = append(path, n)
		for _, e := range adj[n] {
			switch state[e.Dest] {
			case 1:
				for i, p := range path {
					if p == e.Dest {
						found = append([]string(nil), path[i:]...)
						return true
					}
				}
			case 0:
				if visit(e.Dest) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[n] = 2
		return false
	}

	for _, n := range nodes {
		if state[n] == 0 {
			path = path[:0]
			if visit(n) {
				report.Found = true
				report.Agents = found
				report.Depth = len(found)
				return report
			}
		}
	}
	return report
}

// DetectExtractionLoop finds value returning to an earlier agent through a
// different path than the one that first reached it (A→B→C→B). A plain
// re-forward over the same edge is not a loop, and a simple cycle back to
// the root origin is left to DetectCycle.
func DetectExtractionLoop(edges []Edge) LoopReport {
	report := LoopReport{}
	if len(edges) == 0 {
		return report
	}

	sorted := sortedByHop(edges)

	type arrival struct {
		hop    int
		source string
	}
	first := make(map[string]arrival)

	for i, e := range sorted {
		prev, seen := first[e.Dest]
		if !seen {
			first[e.Dest] = arrival{hop: e.Hop, source: e.Source}
			continue
		}
		if prev.source == e.Source {
			continue
		}

		// Value re-entered e.Dest via a different predecessor. The loop
		// segment is every hop after the first arrival up to and including
		// the re-entry.
		var agents []string
		var value int64
		hops := 0
		for _, seg := range sorted[:i+1] {
			if seg.Hop <= prev.hop || seg.Hop > e.Hop {
				continue
			}
			agents = append(agents, seg.Source)
			value += seg.AmountUSDC
			hops++
		}
		report.Found = true
		report.Agents = agents
		report.Hops = hops
		report.ExtractedValueUSDC = value
		return report
	}
	return report
}

func sortedByHop(edges []Edge) []Edge {
	out := append([]Edge(nil), edges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Hop < out[j].Hop })
	return out
}
