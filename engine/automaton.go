package engine

// automaton is a byte-level Aho-Corasick machine over a fixed term list.
// It is immutable after build and safe for concurrent scans.
type automaton struct {
	nodes []acNode
	// empty lists term ids that are the empty string and always present.
	empty []int
	terms int
}

type acNode struct {
	next map[byte]int32
	fail int32
	// dict links to the nearest node on the fail chain that ends a term.
	dict int32
	out  []int32
}

func buildAutomaton(terms []string) *automaton {
	a := &automaton{nodes: []acNode{{dict: -1}}, terms: len(terms)}
	for id, t := range terms {
		if t == "" {
			a.empty = append(a.empty, id)
			continue
		}
		cur := int32(0)
		for i := 0; i < len(t); i++ {
			n := &a.nodes[cur]
			nxt, ok := n.next[t[i]]
			if !ok {
				nxt = int32(len(a.nodes))
				if n.next == nil {
					n.next = make(map[byte]int32, 1)
				}
				n.next[t[i]] = nxt
				a.nodes = append(a.nodes, acNode{dict: -1})
			}
			cur = nxt
		}
		a.nodes[cur].out = append(a.nodes[cur].out, int32(id))
	}

	queue := make([]int32, 0, len(a.nodes))
	for _, child := range a.nodes[0].next {
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for c, v := range a.nodes[u].next {
			f := a.nodes[u].fail
			for {
				if w, ok := a.nodes[f].next[c]; ok && w != v {
					a.nodes[v].fail = w
					break
				}
				if f == 0 {
					a.nodes[v].fail = 0
					break
				}
				f = a.nodes[f].fail
			}
			fv := a.nodes[v].fail
			if len(a.nodes[fv].out) > 0 {
				a.nodes[v].dict = fv
			} else {
				a.nodes[v].dict = a.nodes[fv].dict
			}
			queue = append(queue, v)
		}
	}
	return a
}

// presence scans text once and reports which term ids occur in it.
func (a *automaton) presence(text string) []bool {
	present := make([]bool, a.terms)
	for _, id := range a.empty {
		present[id] = true
	}
	visited := make(map[int32]struct{})
	state := int32(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		for state != 0 {
			if _, ok := a.nodes[state].next[c]; ok {
				break
			}
			state = a.nodes[state].fail
		}
		if nxt, ok := a.nodes[state].next[c]; ok {
			state = nxt
		}
		for o := state; o > 0; o = a.nodes[o].dict {
			if _, seen := visited[o]; seen {
				break
			}
			visited[o] = struct{}{}
			for _, id := range a.nodes[o].out {
				present[id] = true
			}
		}
	}
	return present
}
