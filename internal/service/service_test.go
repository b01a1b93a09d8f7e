package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-gpt/internal/apperr"
	"github.com/inference-sim/inference-gpt/internal/runtime"
	"github.com/inference-sim/inference-gpt/internal/session"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := New(Options{
		Capability:    runtime.NewFake(),
		SessionTTL:    time.Minute,
		SessionMaxLen: 8,
		Workers:       4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestServiceModelLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	info, err := svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.NoError(t, err)
	require.Equal(t, "m1", info.ID)

	_, err = svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.True(t, apperr.Is(err, apperr.ModelExists))

	hash, err := svc.ModelHashByID("m1")
	require.NoError(t, err)
	require.Equal(t, info.Hash, hash)

	require.NoError(t, svc.ModelUnload("m1"))
	_, err = svc.ModelHashByID("m1")
	require.True(t, apperr.Is(err, apperr.ModelNotFound))
}

func TestServiceModelUnloadRefusedWhileSessionOpen(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.NoError(t, err)

	created, err := svc.GptCreate(ctx, GptCreateOptions{ModelID: "m1", ContextSize: 64})
	require.NoError(t, err)

	err = svc.ModelUnload("m1")
	require.True(t, apperr.Is(err, apperr.ModelInUse))

	require.NoError(t, svc.GptDestroy(created.SessionID))
	require.NoError(t, svc.ModelUnload("m1"))
}

func TestServiceSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.NoError(t, err)

	created, err := svc.GptCreate(ctx, GptCreateOptions{
		ModelID:       "m1",
		ContextSize:   128,
		InitialPrompt: "hello",
	})
	require.NoError(t, err)
	require.NotZero(t, created.SessionID)

	require.NoError(t, svc.GptTouch(created.SessionID))

	n, err := svc.GptDecode(ctx, GptDecodeOptions{SessionID: created.SessionID, Prompt: "world"})
	require.NoError(t, err)
	require.Greater(t, n, created.TokenLength)

	result, err := svc.GptInfer(ctx, GptInferOptions{
		SessionID: created.SessionID,
		Infer: session.InferOptions{
			NEval:    3,
			Sampling: runtime.Options{Temp: 0},
		},
	})
	require.NoError(t, err)
	require.LessOrEqual(t, result.GeneratedCount, 3)

	committed, err := svc.GptCommit(created.SessionID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, committed, n)

	resetLen, err := svc.GptReset(created.SessionID)
	require.NoError(t, err)
	require.Less(t, resetLen, committed)

	require.NoError(t, svc.GptDestroy(created.SessionID))

	_, err = svc.GptCommit(created.SessionID)
	require.True(t, apperr.Is(err, apperr.SessionNotFound))
}

func TestServiceAbortInference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.NoError(t, err)
	created, err := svc.GptCreate(ctx, GptCreateOptions{ModelID: "m1", ContextSize: 64, InitialPrompt: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.AbortInference(created.SessionID))
	err = svc.AbortInference(created.SessionID)
	require.True(t, apperr.Is(err, apperr.AbortAlreadyPending))

	result, err := svc.GptInfer(ctx, GptInferOptions{
		SessionID: created.SessionID,
		Infer:     session.InferOptions{NEval: 10, Sampling: runtime.Options{Temp: 0}},
	})
	require.NoError(t, err)
	require.True(t, result.Aborted)
}

func TestServiceTokenLength(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.ModelLoad(ctx, ModelLoadOptions{ID: "m1", Path: "/nonexistent/m1.bin"})
	require.NoError(t, err)

	n, err := svc.TokenLength("m1", "hello")
	require.NoError(t, err)
	require.Equal(t, len("hello"), n)
}

func TestServiceRejectsAfterClose(t *testing.T) {
	svc := New(Options{Capability: runtime.NewFake(), Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))

	_, err := svc.ModelLoad(context.Background(), ModelLoadOptions{ID: "m1", Path: "/x"})
	require.Error(t, err)
}
