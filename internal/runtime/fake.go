package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// NewFake returns an in-process Capability standing in for a real
// llama.cpp-style binding. No cgo or model file is available in this
// exercise (the retrieved llama bindings are standalone files, not
// fetchable Go modules — see DESIGN.md); Fake reproduces the same
// tokenize/decode/sample/clear-range/save-load contract deterministically
// so the session package's invariants are testable end to end.
//
// Tokenization is byte-level (one token per input byte, offset by 256 so
// token ids never collide with byte values used as "generated" tokens).
// Decode fails only for a position beyond the context's capacity; logits
// are a deterministic function of the head token, the head position and
// the tokens in the KV cache (the context's seed does not enter into
// them), so two contexts fed the same tokens produce identical candidate
// distributions — the property spec.md §8's snapshot-roundtrip and
// rollback-independence scenarios require.
func NewFake() Capability { return &fakeCapability{} }

const fakeVocabSize = 512

// fakeEOS is the end-of-stream token id for the fake vocabulary.
const fakeEOS int32 = 2

type fakeCapability struct{}

type fakeWeights struct {
	path        string
	trainedSize int
}

func (w *fakeWeights) ContextSizeTrained() int { return w.trainedSize }
func (w *fakeWeights) EndOfStream() int32      { return fakeEOS }
func (w *fakeWeights) SizeBytes() int64        { return 1 << 20 }
func (w *fakeWeights) NParams() int64          { return 1_000_000 }

func (c *fakeCapability) LoadWeights(_ context.Context, path string) (Weights, error) {
	if path == "" {
		return nil, fmt.Errorf("empty model path")
	}
	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &fakeWeights{path: path, trainedSize: 4096}, nil
}

func (c *fakeCapability) Tokenize(_ Weights, text string, addBOS bool) ([]int32, error) {
	toks := make([]int32, 0, len(text)+1)
	if addBOS {
		toks = append(toks, 1)
	}
	for i := 0; i < len(text); i++ {
		toks = append(toks, int32(text[i])+256)
	}
	return toks, nil
}

func (c *fakeCapability) Detokenize(_ Weights, tok int32, _ bool) []byte {
	if tok == 1 || tok == fakeEOS {
		return nil
	}
	if tok >= 256 {
		return []byte{byte(tok - 256)}
	}
	// Generated tokens below 256 map onto printable ASCII deterministically.
	return []byte{byte('a' + int(tok)%26)}
}

func (c *fakeCapability) NewContext(w Weights, capacity, batchSize int, seed uint64) (Context, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	return &fakeContext{
		w:        w.(*fakeWeights),
		capacity: capacity,
		batch:    batchSize,
		rng:      rand.New(rand.NewSource(int64(seed))),
		tokens:   make([]int32, 0, capacity),
	}, nil
}

// fakeBatchEntry is one queued (token, position, isHead) triple.
type fakeBatchEntry struct {
	tok    int32
	pos    int
	isHead bool
}

type fakeContext struct {
	w        *fakeWeights
	capacity int
	batch    int
	rng      *rand.Rand

	tokens   []int32 // tokens[pos] = token at pos, len == KVLen
	pending  []fakeBatchEntry
	headTok  int32
	headPos  int
}

func (fc *fakeContext) Capacity() int { return fc.capacity }
func (fc *fakeContext) KVLen() int    { return len(fc.tokens) }

func (fc *fakeContext) AddToken(tok int32, pos int, isHead bool) {
	fc.pending = append(fc.pending, fakeBatchEntry{tok: tok, pos: pos, isHead: isHead})
	if isHead {
		fc.headTok = tok
		fc.headPos = pos
	}
}

func (fc *fakeContext) Decode(_ context.Context, onLayer func(frac float64) bool) error {
	if len(fc.pending) == 0 {
		return nil
	}
	n := len(fc.pending)
	for i, e := range fc.pending {
		if e.pos > fc.capacity {
			return fmt.Errorf("position %d exceeds capacity %d", e.pos, fc.capacity)
		}
		for len(fc.tokens) <= e.pos {
			fc.tokens = append(fc.tokens, 0)
		}
		fc.tokens[e.pos] = e.tok
		if onLayer != nil {
			onLayer(float64(i+1) / float64(n))
		}
	}
	fc.pending = fc.pending[:0]
	return nil
}

// Candidates deterministically derives a logit per vocabulary entry from
// the head token, the head position, and the tokens in the KV cache, so
// repeated calls with the same tokens-so-far produce the same distribution
// while different uncommitted continuations (different head history)
// produce independent results — matching spec.md §8's rollback-
// independence property.
func (fc *fakeContext) Candidates() []TokenProb {
	src := rand.New(rand.NewSource(int64(fc.headTok)*1_000_003 + int64(fc.headPos) + fc.seedMix()))
	out := make([]TokenProb, fakeVocabSize)
	for i := range out {
		out[i] = TokenProb{Token: int32(i), Logit: src.NormFloat64()}
	}
	// The end-of-stream token gets a mild boost near the tail of a long
	// generation so fake infer loops terminate naturally in tests that
	// don't pin an exact n_eval.
	if fc.KVLen() > fc.capacity-2 {
		out[fakeEOS].Logit += 5
	}
	return out
}

func (fc *fakeContext) seedMix() int64 {
	var mix int64
	for _, t := range fc.tokens {
		mix = mix*1_000_003 + int64(t)
	}
	return mix
}

// ClearRange truncates the fake cache at from, dropping every position
// after it; to is not used, so this equals clearing [from, to) only when
// to is at or past the current KV length.
func (fc *fakeContext) ClearRange(from, to int) error {
	if from < 0 || from > len(fc.tokens) {
		return fmt.Errorf("clear range start %d out of bounds", from)
	}
	if to > len(fc.tokens) {
		to = len(fc.tokens)
	}
	fc.tokens = fc.tokens[:from]
	return nil
}

func (fc *fakeContext) SaveState(path string, tokens []int32) error {
	tmp := path + ".tmp"
	var sb strings.Builder
	for _, t := range tokens {
		fmt.Fprintf(&sb, "%d\n", t)
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (fc *fakeContext) LoadState(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	toks := make([]int32, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		var v int32
		if _, err := fmt.Sscanf(l, "%d", &v); err != nil {
			return nil, fmt.Errorf("parse snapshot token: %w", err)
		}
		toks = append(toks, v)
	}
	fc.tokens = toks
	return toks, nil
}

func (fc *fakeContext) EndOfStream() int32 { return fakeEOS }
