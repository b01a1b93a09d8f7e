package runtime

import (
	"fmt"
	"strings"
)

// Grammar stands in for the runtime's grammar DSL (spec.md §6: "grammar
// (string in the runtime's grammar DSL)"). The real constraint language
// lives in the kernel library and is out of scope per spec.md §1; this
// is a minimal literal allow-list so the grammar step of the sampling
// pipeline (§4.4: "grammar -> ...") and the GrammarInvalid error path are
// exercised end to end: a grammar source is a comma-separated list of
// single-byte literals that may be generated next.
type Grammar struct {
	allowed map[byte]bool
}

// ParseGrammar parses src into a Grammar. An empty string means "no
// grammar active" (nil, nil). Malformed sources (anything but
// single-byte comma-separated literals) fail with a descriptive error;
// the session package wraps that as apperr.GrammarInvalid.
func ParseGrammar(src string) (*Grammar, error) {
	if src == "" {
		return nil, nil
	}
	allowed := make(map[byte]bool)
	for _, part := range strings.Split(src, ",") {
		part = strings.TrimSpace(part)
		if len(part) != 1 {
			return nil, fmt.Errorf("grammar: expected single-character literal, got %q", part)
		}
		allowed[part[0]] = true
	}
	return &Grammar{allowed: allowed}, nil
}

// Filter keeps only candidates whose detokenized form is a single byte
// in the grammar's allow-list. If nothing survives (e.g. all candidates
// multi-byte), the unfiltered set is returned rather than stalling
// generation entirely.
func (g *Grammar) Filter(cands []TokenProb, detok func(int32) []byte) []TokenProb {
	if g == nil {
		return cands
	}
	kept := cands[:0:0]
	for _, c := range cands {
		b := detok(c.Token)
		if len(b) == 1 && g.allowed[b[0]] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return cands
	}
	return kept
}
