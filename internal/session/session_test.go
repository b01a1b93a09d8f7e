package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-gpt/internal/apperr"
	"github.com/inference-sim/inference-gpt/internal/registry"
	"github.com/inference-sim/inference-gpt/internal/runtime"
)

func newTestModel(t *testing.T) (runtime.Capability, *registry.Model) {
	t.Helper()
	rt := runtime.NewFake()
	reg := registry.New(rt, nil)
	info, err := reg.Load(context.Background(), "/nonexistent/weights.bin", "test-model")
	require.NoError(t, err)
	m, err := reg.Acquire(info.ID)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Release(m) })
	return rt, m
}

func newTestSession(t *testing.T, prompt string) *Session {
	t.Helper()
	rt, m := newTestModel(t)
	s, err := Create(rt, m, func() {}, CreateOptions{
		ContextSize:   256,
		BatchSize:     16,
		Seed:          42,
		InitialPrompt: prompt,
	})
	require.NoError(t, err)
	return s
}

func TestCreateWithoutPrompt(t *testing.T) {
	s := newTestSession(t, "")
	require.Equal(t, 0, s.TokenLength())
	require.False(t, s.LoadedFromSnapshot())
}

func TestCreateWithPromptPrimesCommittedLog(t *testing.T) {
	s := newTestSession(t, "hello")
	require.Equal(t, len("hello")+1, s.TokenLength()) // +1 for BOS
}

func TestDecodeAppendsToCommitted(t *testing.T) {
	s := newTestSession(t, "hi")
	before := s.TokenLength()
	n, err := s.Decode(context.Background(), "there", nil)
	require.NoError(t, err)
	require.Equal(t, before+len("there"), n)
	require.Equal(t, n, s.TokenLength())
}

func TestInferGeneratesUpToNEval(t *testing.T) {
	s := newTestSession(t, "hi")
	res, err := s.Infer(context.Background(), InferOptions{
		NEval: 5,
		Sampling: runtime.Options{
			Temp: 0, // greedy, deterministic
		},
	})
	require.NoError(t, err)
	require.LessOrEqual(t, res.GeneratedCount, 5)
}

func TestInferUncommittedRollsBackOnSecondInfer(t *testing.T) {
	s := newTestSession(t, "hi")

	res1, err := s.Infer(context.Background(), InferOptions{
		NEval:    3,
		Sampling: runtime.Options{Temp: 0},
	})
	require.NoError(t, err)
	lenAfterFirst := s.TokenLength()
	require.Equal(t, res1.GeneratedCount, lenAfterFirst-len("hi")-1)

	// A second Infer call must first roll back the first call's
	// uncommitted tokens rather than building on top of them.
	res2, err := s.Infer(context.Background(), InferOptions{
		NEval:    2,
		Sampling: runtime.Options{Temp: 0},
	})
	require.NoError(t, err)
	require.Equal(t, len("hi")+1+res2.GeneratedCount, s.TokenLength())
}

func TestCommitMergesUncommitted(t *testing.T) {
	s := newTestSession(t, "hi")
	res, err := s.Infer(context.Background(), InferOptions{
		NEval:    2,
		Sampling: runtime.Options{Temp: 0},
	})
	require.NoError(t, err)
	before := s.TokenLength()
	committedLen := s.Commit()
	require.Equal(t, before, committedLen)
	require.Equal(t, 0, len(s.uncommitted))
	_ = res
}

func TestResetTruncatesToInitialPrompt(t *testing.T) {
	s := newTestSession(t, "hi")
	initial := s.TokenLength()

	_, err := s.Decode(context.Background(), "more text", nil)
	require.NoError(t, err)
	require.Greater(t, s.TokenLength(), initial)

	n, err := s.Reset()
	require.NoError(t, err)
	require.Equal(t, initial, n)
	require.Equal(t, initial, s.TokenLength())
}

func TestInferAbortStopsGeneration(t *testing.T) {
	s := newTestSession(t, "hi")
	s.abort.Abort()

	res, err := s.Infer(context.Background(), InferOptions{
		NEval:    50,
		Sampling: runtime.Options{Temp: 0},
	})
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Equal(t, 0, res.GeneratedCount)

	// Reset() must clear the abort flag for the next call.
	require.False(t, s.abort.Aborted())
}

func TestInferPerTokenCallbackStopsGeneration(t *testing.T) {
	s := newTestSession(t, "hi")
	count := 0
	res, err := s.Infer(context.Background(), InferOptions{
		NEval: 50,
		Sampling: runtime.Options{
			Temp: 0,
		},
		PerToken: func(frag string) bool {
			count++
			return count < 2
		},
	})
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Equal(t, 1, res.GeneratedCount)
}

func TestInferGrammarInvalidErrors(t *testing.T) {
	s := newTestSession(t, "hi")
	_, err := s.Infer(context.Background(), InferOptions{
		NEval:    1,
		Sampling: runtime.Options{Grammar: "ab"}, // not a single-byte literal
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.GrammarInvalid))
}

// TestInferStopSequenceTruncatesOutput covers spec.md §8 scenario 4
// ("stop sequence"): a grammar restricting output to 'a'/'b' excludes
// EndOfStream from the filtered candidate set (its detokenized form is
// not a single allowed byte), so a fixed NEval run is deterministic
// byte-for-byte. A second, identically seeded session configured with a
// stop sequence taken from that baseline's own trailing output must
// reproduce the same generation up to the first point the accumulator
// ends with the stop sequence, then truncate there instead of
// continuing to NEval.
func TestInferStopSequenceTruncatesOutput(t *testing.T) {
	baseline := newTestSession(t, "hi")
	res1, err := baseline.Infer(context.Background(), InferOptions{
		NEval:    12,
		Sampling: runtime.Options{Temp: 0, Grammar: "a,b"},
	})
	require.NoError(t, err)
	require.Len(t, res1.Text, 12)

	stop := res1.Text[len(res1.Text)-2:]
	wantIdx := strings.Index(res1.Text, stop)
	require.GreaterOrEqual(t, wantIdx, 0)

	truncated := newTestSession(t, "hi")
	res2, err := truncated.Infer(context.Background(), InferOptions{
		NEval: 12,
		Sampling: runtime.Options{
			Temp:          0,
			Grammar:       "a,b",
			StopSequences: []string{stop},
		},
	})
	require.NoError(t, err)
	require.False(t, res2.Aborted)
	require.Equal(t, res1.Text[:wantIdx], res2.Text)
	require.Less(t, res2.GeneratedCount, res1.GeneratedCount)
}

// TestInferStopSequenceAcrossTokenBoundary restricts generation to the
// two raw bytes that make up the UTF-8 encoding of 'é' (0xC3, 0xA9), so
// a fragment frequently arrives as half a code point and the stop check
// runs against matchStopSuffix's already-decoded accumulator rather than
// raw token bytes — matchStopSuffix and utf8Stream exercised together
// across a token boundary, per spec.md §8's "stop sequence that spans
// across multiple tokens" framing.
func TestInferStopSequenceAcrossTokenBoundary(t *testing.T) {
	grammar := "\xc3,\xa9"

	baseline := newTestSession(t, "hi")
	res1, err := baseline.Infer(context.Background(), InferOptions{
		NEval:    16,
		Sampling: runtime.Options{Temp: 0, Grammar: grammar},
	})
	require.NoError(t, err)

	runes := []rune(res1.Text)
	require.GreaterOrEqual(t, len(runes), 2)
	stop := string(runes[len(runes)-2:])
	wantIdx := strings.Index(res1.Text, stop)
	require.GreaterOrEqual(t, wantIdx, 0)

	truncated := newTestSession(t, "hi")
	res2, err := truncated.Infer(context.Background(), InferOptions{
		NEval: 16,
		Sampling: runtime.Options{
			Temp:          0,
			Grammar:       grammar,
			StopSequences: []string{stop},
		},
	})
	require.NoError(t, err)
	require.False(t, res2.Aborted)
	require.Equal(t, res1.Text[:wantIdx], res2.Text)
}

// TestInferLuaGrammarResolvesToGrammar covers the original's lua_grammar
// option (core-server/src/lib.rs): a Lua script sets the "grammar"
// global, and that resolved string is parsed exactly as a literal
// Grammar value would be.
func TestInferLuaGrammarResolvesToGrammar(t *testing.T) {
	s := newTestSession(t, "hi")
	res, err := s.Infer(context.Background(), InferOptions{
		NEval: 3,
		Sampling: runtime.Options{
			Temp:       0,
			LuaGrammar: `grammar = "a,b"`,
		},
	})
	require.NoError(t, err)
	for _, r := range res.Text {
		require.Contains(t, "ab", string(r))
	}
}

func TestInferLuaGrammarSyntaxErrorIsGrammarInvalid(t *testing.T) {
	s := newTestSession(t, "hi")
	_, err := s.Infer(context.Background(), InferOptions{
		NEval:    1,
		Sampling: runtime.Options{LuaGrammar: `not valid lua (`},
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.GrammarInvalid))
}

func TestSnapshotRoundTrip(t *testing.T) {
	rt, m := newTestModel(t)
	dir := t.TempDir()

	s1, err := Create(rt, m, func() {}, CreateOptions{
		ContextSize:   256,
		BatchSize:     16,
		Seed:          7,
		InitialPrompt: "remember me",
		SnapshotDir:   dir,
	})
	require.NoError(t, err)
	require.False(t, s1.LoadedFromSnapshot())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Ext(entries[0].Name()), ".llama-state")

	s2, err := Create(rt, m, func() {}, CreateOptions{
		ContextSize:   256,
		BatchSize:     16,
		Seed:          7,
		InitialPrompt: "remember me",
		SnapshotDir:   dir,
	})
	require.NoError(t, err)
	require.True(t, s2.LoadedFromSnapshot())
	require.Equal(t, s1.TokenLength(), s2.TokenLength())
}

func TestContextOverflowOnDecode(t *testing.T) {
	rt, m := newTestModel(t)
	s, err := Create(rt, m, func() {}, CreateOptions{
		ContextSize: 4,
		BatchSize:   16,
	})
	require.NoError(t, err)
	_, err = s.Decode(context.Background(), "this prompt is far too long to fit", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ContextOverflow))
}
