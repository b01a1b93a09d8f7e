// Package runtime defines the adapter surface over the underlying
// tensor/kernel library (weights, tokenizer, KV cache, sampling
// primitives). The session and registry packages consume this interface;
// they never assume a concrete backend.
//
// Grounded on the llama.cpp cgo bindings retrieved for this spec
// (swdunlop/llm-go's internal/llama, and the two other_examples llama
// bindings): tokenize/detokenize, batched decode with a "head" logits
// request, a fixed sampling-filter order, and KV range clearing for
// rollback are all drawn directly from those bindings' shape.
package runtime

import "context"

// TokenProb is one candidate token with its raw logit/probability. The
// sampling filters in this package mutate a slice of these in place,
// matching llama.cpp's llama_token_data_array convention.
type TokenProb struct {
	Token int32
	Logit float64
	Prob  float64
}

// Weights is an opaque loaded-model handle. Only the registry constructs
// and destroys these; everything else treats it as opaque.
type Weights interface {
	// ContextSizeTrained returns the context length the model was trained
	// with, used as the default session context_size.
	ContextSizeTrained() int
	// EndOfStream returns the model's end-of-stream token id.
	EndOfStream() int32
	// SizeBytes is the in-memory footprint of the loaded weights.
	SizeBytes() int64
	// NParams is the parameter count, for ModelInfo.
	NParams() int64
}

// Capability is the full adapter surface the core consumes.
type Capability interface {
	// LoadWeights loads a model from path. Fails with an opaque error on
	// I/O or format failure; the registry wraps it as LoadFailed.
	LoadWeights(ctx context.Context, path string) (Weights, error)

	// Tokenize converts text to a token sequence, optionally prefixing
	// the model's beginning-of-sequence token.
	Tokenize(w Weights, text string, addBOS bool) ([]int32, error)

	// Detokenize converts a single token to its raw byte sequence.
	Detokenize(w Weights, tok int32, withSpecial bool) []byte

	// NewContext allocates a runtime context (KV cache, batch scratch,
	// RNG state) bound to w, sized for capacity positions and batchSize
	// queued tokens per decode call.
	NewContext(w Weights, capacity, batchSize int, seed uint64) (Context, error)
}

// Context is a single session's exclusively-owned runtime context.
// Single-threaded per context: the session package never calls two
// methods on the same Context concurrently.
type Context interface {
	Capacity() int
	// KVLen reports how many KV positions are currently populated.
	KVLen() int

	// AddToken queues tok at pos in the pending batch. isHead requests
	// logits for that position once Decode runs.
	AddToken(tok int32, pos int, isHead bool)

	// Decode runs a forward pass over every position queued since the
	// last Decode call. onLayer, if non-nil, is invoked from the
	// runtime's per-layer evaluation hook with a completion fraction in
	// [0,1]; its bool return is advisory (see design note (a) in
	// SPEC_FULL.md) — an implementation MAY ignore a false return mid
	// batch but MUST stop invoking the hook before the next batch.
	Decode(ctx context.Context, onLayer func(frac float64) bool) error

	// Candidates returns the full candidate vocabulary with logits for
	// the position last marked as head. The returned slice is owned by
	// the caller and may be filtered/sorted in place.
	Candidates() []TokenProb

	// ClearRange evicts KV entries for positions [from, to). Used to roll
	// back uncommitted generation and by Reset.
	ClearRange(from, to int) error

	// SaveState/LoadState persist/restore the KV cache to/from path,
	// bound to the given token sequence.
	SaveState(path string, tokens []int32) error
	LoadState(path string) (tokens []int32, err error)

	EndOfStream() int32
}
