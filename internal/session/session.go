// Package session implements the Session Core (C4): per-session state
// and the decode/infer/commit/reset/destroy operations that are the
// engineering heart of this service.
//
// Grounded on the teacher's block/range KV primitives (sim/kvcache.go,
// sim/kv_store.go) generalized from a shared multi-request cache to a
// per-session exclusively-owned runtime.Context, and on the
// llama.cpp bindings (swdunlop-ollama/internal/llama, and the two
// other_examples llama bindings) for the decode/infer/sampling-order
// algorithm itself.
package session

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-gpt/internal/apperr"
	"github.com/inference-sim/inference-gpt/internal/cancel"
	"github.com/inference-sim/inference-gpt/internal/registry"
	"github.com/inference-sim/inference-gpt/internal/runtime"
)

// Session is the per-session record described in spec.md §3. Operations
// on one Session are strictly serialized via mu (spec.md §5
// "Per-session exclusivity"); touch/abort are handled outside mu by
// cancel.Flag and the store, so they stay effective while a long
// infer holds the lock.
type Session struct {
	id uint32

	model   *registry.Model
	release func() // decrements the model's refcount; set once at construction

	cap runtime.Capability
	ctx runtime.Context

	capacity int
	rng      *rand.Rand
	abort    cancel.Flag
	log      *logrus.Entry

	mu                 sync.Mutex
	committed          []int32
	uncommitted        []int32
	initialPromptLen   int
	loadedFromSnapshot bool
}

// ID satisfies store.Session.
func (s *Session) ID() uint32 { return s.id }

// SetID is called exactly once by the service layer after the store
// assigns this session's id.
func (s *Session) SetID(id uint32) { s.id = id }

// Destroy releases the session's model reference. The runtime context
// has no release call of its own; it is dropped with the session.
// Satisfies store.Session; called by the store once no operation is in
// flight (invariant 5).
func (s *Session) Destroy() {
	if s.release != nil {
		s.release()
	}
}

// CreateOptions collects gpt_create's inputs (spec.md §4.4 Create).
type CreateOptions struct {
	ContextSize   int // 0 => model's trained context size
	BatchSize     int // 0 => 512
	Seed          uint64
	InitialPrompt string
	SnapshotDir   string // directory holding snapshot files; "" disables snapshotting
	Progress      cancel.PrefillCallback
	Log           *logrus.Entry
}

const defaultBatchSize = 512

// Create implements gpt_create. model must already be Acquire()'d by the
// caller; release is invoked exactly once, from Destroy, to give it back.
// BatchSize is passed to NewContext and mixed into the snapshot id; no
// prompt is split by it: Create, Decode and Infer each queue a whole
// prompt into a single Decode call.
func Create(cap runtime.Capability, model *registry.Model, release func(), opts CreateOptions) (*Session, error) {
	contextSize := opts.ContextSize
	if contextSize <= 0 {
		contextSize = model.Info().ContextSizeTrained
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	rc, err := cap.NewContext(model.Weights(), contextSize, batchSize, opts.Seed)
	if err != nil {
		return nil, apperr.New(apperr.ContextCreationFailed, "gpt_create", err)
	}

	s := &Session{
		model:    model,
		release:  release,
		cap:      cap,
		ctx:      rc,
		capacity: contextSize,
		rng:      rand.New(rand.NewSource(int64(opts.Seed))),
		log:      log,
	}

	if opts.InitialPrompt != "" {
		if err := s.primeInitialPrompt(opts, batchSize); err != nil {
			return nil, err
		}
	}
	s.initialPromptLen = len(s.committed)
	return s, nil
}

func (s *Session) primeInitialPrompt(opts CreateOptions, batchSize int) error {
	var snapFile string
	if opts.SnapshotDir != "" {
		snapFile = snapshotPath(opts.SnapshotDir, s.model.Info().Hash, opts.InitialPrompt, batchSize)
		if toks, err := s.ctx.LoadState(snapFile); err == nil {
			s.committed = toks
			s.loadedFromSnapshot = true
			s.log.WithField("snapshot", snapFile).Info("session loaded from snapshot")
			return nil
		}
	}

	toks, err := s.cap.Tokenize(s.model.Weights(), opts.InitialPrompt, true)
	if err != nil {
		return apperr.New(apperr.DecodeFailed, "gpt_create", err)
	}
	if len(toks) > s.capacity {
		return apperr.New(apperr.ContextOverflow, "gpt_create", nil)
	}
	for i, t := range toks {
		s.ctx.AddToken(t, i, i == len(toks)-1)
	}
	if err := s.ctx.Decode(context.Background(), wrapOnLayer(opts.Progress)); err != nil {
		return apperr.New(apperr.DecodeFailed, "gpt_create", err)
	}
	s.committed = append(s.committed, toks...)

	if snapFile != "" {
		if err := os.MkdirAll(filepath.Dir(snapFile), 0o755); err != nil {
			s.log.WithError(err).Warn("could not create snapshot directory")
			return nil
		}
		if err := s.ctx.SaveState(snapFile, s.committed); err != nil {
			s.log.WithError(err).Warn("could not save session snapshot")
		}
	}
	return nil
}

// LoadedFromSnapshot reports whether Create restored this session from a
// prior snapshot (spec.md §6 Epilogue.session_loaded).
func (s *Session) LoadedFromSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedFromSnapshot
}

// TokenLength returns len(committed)+len(uncommitted) (spec.md §4.6 token_length
// is served by the registry without a context; this is the session's own
// accessor used for the Epilogue's token_length/context_length fields).
func (s *Session) TokenLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed) + len(s.uncommitted)
}

// Abort requests cancellation of any in-flight Infer on this session
// (spec.md §4.6 abort_inference). Safe to call concurrently with an
// in-flight operation; does not take mu.
func (s *Session) Abort() error {
	if !s.abort.Abort() {
		return apperr.New(apperr.AbortAlreadyPending, "abort_inference", nil)
	}
	return nil
}

// clearUncommittedLocked implements the "Uncommitted cleanup" rollback
// step shared by Decode and Infer (spec.md §4.4). Caller must hold mu.
func (s *Session) clearUncommittedLocked() error {
	if len(s.uncommitted) == 0 {
		return nil
	}
	from := len(s.committed)
	to := from + len(s.uncommitted)
	if err := s.ctx.ClearRange(from, to); err != nil {
		return apperr.New(apperr.DecodeFailed, "uncommitted-cleanup", err)
	}
	s.uncommitted = s.uncommitted[:0]
	return nil
}

// Decode implements gpt_decode: append prompt tokens to the committed
// log and KV cache, reusing the existing committed prefix.
func (s *Session) Decode(ctx context.Context, prompt string, onLayer cancel.PrefillCallback) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clearUncommittedLocked(); err != nil {
		return 0, err
	}

	addBOS := len(s.committed) == 0
	toks, err := s.cap.Tokenize(s.model.Weights(), prompt, addBOS)
	if err != nil {
		return 0, apperr.New(apperr.DecodeFailed, "gpt_decode", err)
	}

	base := len(s.committed)
	if base+len(toks) > s.capacity {
		return 0, apperr.New(apperr.ContextOverflow, "gpt_decode", nil)
	}

	if base == 0 {
		for i, t := range toks {
			s.ctx.AddToken(t, i, i == len(toks)-1)
		}
	} else {
		// Re-add the last committed token as head to obtain fresh head
		// logits, then append the new tokens; head moves to the new
		// last token.
		s.ctx.AddToken(s.committed[base-1], base-1, len(toks) == 0)
		for i, t := range toks {
			pos := base + i
			s.ctx.AddToken(t, pos, i == len(toks)-1)
		}
	}

	if err := s.ctx.Decode(ctx, wrapOnLayer(onLayer)); err != nil {
		return 0, apperr.New(apperr.DecodeFailed, "gpt_decode", err)
	}
	s.committed = append(s.committed, toks...)
	return len(s.committed), nil
}

// InferOptions collects gpt_infer's inputs (spec.md §4.4 Infer, §6
// "Sampling options").
type InferOptions struct {
	Prompt         string
	NEval          int
	Sampling       runtime.Options
	DecodeProgress cancel.PrefillCallback
	PerToken       cancel.TokenCallback
}

// InferResult is gpt_infer's return value.
type InferResult struct {
	GeneratedCount int
	Text           string
	Aborted        bool
}

// Infer implements gpt_infer: the sample-then-decode-one-token loop that
// extends the uncommitted token log (spec.md §4.4 Infer, the central
// algorithm).
func (s *Session) Infer(ctx context.Context, opts InferOptions) (InferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.abort.Reset()

	grammarSrc := opts.Sampling.Grammar
	if opts.Sampling.LuaGrammar != "" {
		resolved, err := runtime.ResolveLuaGrammar(opts.Sampling.LuaGrammar)
		if err != nil {
			return InferResult{}, apperr.New(apperr.GrammarInvalid, "gpt_infer", err)
		}
		grammarSrc = resolved
	}

	grammar, err := runtime.ParseGrammar(grammarSrc)
	if err != nil {
		return InferResult{}, apperr.New(apperr.GrammarInvalid, "gpt_infer", err)
	}

	if err := s.clearUncommittedLocked(); err != nil {
		return InferResult{}, err
	}

	// Head priming: materialize fresh head logits for the last committed
	// token.
	if len(s.committed) > 0 {
		s.ctx.AddToken(s.committed[len(s.committed)-1], len(s.committed)-1, true)
	}

	// Optional inline prompt, decoded in-place without committing.
	if opts.Prompt != "" {
		toks, err := s.cap.Tokenize(s.model.Weights(), opts.Prompt, false)
		if err != nil {
			return InferResult{}, apperr.New(apperr.DecodeFailed, "gpt_infer", err)
		}
		base := len(s.committed)
		if base+len(toks) > s.capacity {
			return InferResult{}, apperr.New(apperr.ContextOverflow, "gpt_infer", nil)
		}
		for i, t := range toks {
			s.ctx.AddToken(t, base+i, i == len(toks)-1)
		}
		s.uncommitted = append(s.uncommitted, toks...)
	}

	if err := s.ctx.Decode(ctx, wrapOnLayer(opts.DecodeProgress)); err != nil {
		return InferResult{}, apperr.New(apperr.DecodeFailed, "gpt_infer", err)
	}

	if opts.NEval <= 0 {
		return InferResult{}, nil
	}

	mirostat := runtime.NewMirostatState(opts.Sampling.Mirostat.Tau)
	var stream utf8Stream
	var accum strings.Builder
	generated := 0
	aborted := false

	for generated < opts.NEval {
		total := len(s.committed) + len(s.uncommitted)
		if total >= s.capacity {
			break
		}

		cands := s.ctx.Candidates()
		tok := sampleToken(cands, opts.Sampling, mirostat, s.rng, grammar, func(t int32) []byte {
			return s.cap.Detokenize(s.model.Weights(), t, false)
		})

		if tok == s.ctx.EndOfStream() {
			break
		}

		raw := s.cap.Detokenize(s.model.Weights(), tok, false)
		frag := stream.Push(raw)
		candidateAccum := accum.String() + frag

		if stopped, truncated := matchStopSuffix(candidateAccum, opts.Sampling.StopSequences); stopped {
			accum.Reset()
			accum.WriteString(truncated)
			break
		}
		accum.WriteString(frag)

		if opts.PerToken != nil && !opts.PerToken(frag) {
			aborted = true
			break
		}
		if s.abort.Aborted() {
			aborted = true
			break
		}

		pos := len(s.committed) + len(s.uncommitted)
		s.uncommitted = append(s.uncommitted, tok)
		generated++

		s.ctx.AddToken(tok, pos, true)
		if err := s.ctx.Decode(ctx, nil); err != nil {
			return InferResult{Text: accum.String(), GeneratedCount: generated, Aborted: aborted},
				apperr.New(apperr.DecodeFailed, "gpt_infer", err)
		}
	}

	return InferResult{Text: accum.String(), GeneratedCount: generated, Aborted: aborted}, nil
}

// matchStopSuffix reports whether accum ends with any configured stop
// sequence, returning the accumulator with that suffix removed.
func matchStopSuffix(accum string, stops []string) (bool, string) {
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if strings.HasSuffix(accum, stop) {
			return true, strings.TrimSuffix(accum, stop)
		}
	}
	return false, accum
}

// Commit implements gpt_commit: merge uncommitted tokens into committed.
// No KV work is required — the positions and cache entries are already
// correct.
func (s *Session) Commit() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.committed = append(s.committed, s.uncommitted...)
	s.uncommitted = s.uncommitted[:0]
	return len(s.committed)
}

// Reset implements gpt_reset: truncate committed back to the initial
// prompt mark, discard uncommitted, and clear the KV cache beyond that
// mark.
func (s *Session) Reset() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to := len(s.committed) + len(s.uncommitted)
	if err := s.ctx.ClearRange(s.initialPromptLen, to); err != nil {
		return 0, apperr.New(apperr.DecodeFailed, "gpt_reset", err)
	}
	s.committed = s.committed[:s.initialPromptLen]
	s.uncommitted = s.uncommitted[:0]
	return len(s.committed), nil
}

// wrapOnLayer adapts a cancel.PrefillCallback (possibly nil) to the
// runtime.Context.Decode hook signature.
func wrapOnLayer(cb cancel.PrefillCallback) func(float64) bool {
	if cb == nil {
		return nil
	}
	return func(frac float64) bool { return cb(frac) }
}

// sampleToken applies the fixed filter order from spec.md §4.4:
// grammar -> (temp<0: softmax+argmax) -> (temp==0: greedy) -> top_k ->
// tfs_z -> typical_p -> top_p -> min_p -> temp -> mirostat(v1|v2) ->
// multinomial sample.
func sampleToken(
	cands []runtime.TokenProb,
	opts runtime.Options,
	mir *runtime.MirostatState,
	rng *rand.Rand,
	grammar *runtime.Grammar,
	detok func(int32) []byte,
) int32 {
	cands = grammar.Filter(cands, detok)

	if opts.Temp < 0 {
		runtime.Softmax(cands)
		return runtime.SampleGreedy(cands).Token
	}
	if opts.Temp == 0 {
		return runtime.SampleGreedy(cands).Token
	}

	cands = runtime.FilterTopK(cands, opts.TopK)
	cands = runtime.FilterTailFree(cands, opts.TfsZ)
	cands = runtime.FilterTypicalP(cands, opts.TypicalP)
	runtime.Softmax(cands)
	cands = runtime.FilterTopP(cands, opts.TopP)
	cands = runtime.FilterMinP(cands, opts.MinP)
	runtime.ApplyTemp(cands, opts.Temp)

	switch opts.Mirostat.Version {
	case 1:
		return runtime.SampleMirostatV1(cands, opts.Mirostat.Tau, opts.Mirostat.Eta, 100, mir, rng).Token
	case 2:
		return runtime.SampleMirostatV2(cands, opts.Mirostat.Tau, opts.Mirostat.Eta, mir, rng).Token
	default:
		return runtime.SampleMultinomial(cands, rng).Token
	}
}
