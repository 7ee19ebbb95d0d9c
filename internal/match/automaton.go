package match

import "github.com/warden/modbot/internal/blocklist"

// automaton is a byte-level Aho-Corasick automaton. State 0 is the root.
// A next entry of 0 means "no edge": the root never appears as a child,
// so 0 is free to use as the sentinel.
type automaton struct {
	states []state
	terms  []blocklist.Term
}

type state struct {
	next map[byte]int32
	fail int32
	out  []int32 // indices into terms for patterns ending here
}

func compile(terms []blocklist.Term) *automaton {
	ac := &automaton{
		states: []state{{next: make(map[byte]int32)}},
		terms:  terms,
	}

	// Trie construction.
	for ti, term := range terms {
		cur := int32(0)
		for i := 0; i < len(term.Canonical); i++ {
			b := term.Canonical[i]
			next, ok := ac.states[cur].next[b]
			if !ok {
				next = int32(len(ac.states))
				ac.states = append(ac.states, state{next: make(map[byte]int32)})
				ac.states[cur].next[b] = next
			}
			cur = next
		}
		ac.states[cur].out = append(ac.states[cur].out, int32(ti))
	}

	// Failure links via BFS; output sets are merged down the links so a
	// state reports every pattern ending at its position, which is what
	// makes overlapping and nested matches all surface.
	queue := make([]int32, 0, len(ac.states))
	for _, child := range ac.states[0].next {
		ac.states[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for b, child := range ac.states[cur].next {
			queue = append(queue, child)
			f := ac.states[cur].fail
			for f != 0 && ac.states[f].next[b] == 0 {
				f = ac.states[f].fail
			}
			if next := ac.states[f].next[b]; next != 0 && next != child {
				f = next
			} else {
				f = 0
			}
			ac.states[child].fail = f
			ac.states[child].out = append(ac.states[child].out, ac.states[f].out...)
		}
	}
	return ac
}
