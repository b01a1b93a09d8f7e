// Package service implements the Request Surface (C6): the external
// operation set from spec.md §6, as methods on one process-wide Service
// that owns the model registry, the session store, and a worker pool.
// gpt_create, gpt_decode and gpt_infer are dispatched through the pool;
// the other operations run on the caller's goroutine.
//
// Grounded on oriys-nova's executor.go: a correlation id per call
// (google/uuid), an inflight counter drained by graceful shutdown, and
// async side-effects (here: progress logging) kept off the critical
// path.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inference-sim/inference-gpt/internal/apperr"
	"github.com/inference-sim/inference-gpt/internal/cancel"
	"github.com/inference-sim/inference-gpt/internal/registry"
	"github.com/inference-sim/inference-gpt/internal/runtime"
	"github.com/inference-sim/inference-gpt/internal/session"
	"github.com/inference-sim/inference-gpt/internal/store"
)

// Options configures a Service.
type Options struct {
	Capability runtime.Capability
	Log        *logrus.Entry

	SessionTTL    time.Duration
	SessionMaxLen int

	// Workers is the fixed size of the blocking worker pool that
	// gpt_create, gpt_decode and gpt_infer are dispatched through
	// (0 => 8).
	Workers int

	// MaxConcurrentInfers bounds how many gpt_infer calls may run their
	// token loop at once, independent of Workers (spec.md §5 "Inference
	// concurrency cap"). 0 disables the cap.
	MaxConcurrentInfers int

	// ProgressThrottle is the minimum interval between forwarded
	// progress/per-token callback invocations (spec.md §4.5, floor
	// 500ms).
	ProgressThrottle time.Duration
}

// Service is the process-wide façade every request-surface operation is
// a method on.
type Service struct {
	cap runtime.Capability
	log *logrus.Entry

	reg   *registry.Registry
	store *store.Store

	pool      *workerPool
	inferCap  *semaphore.Weighted
	throttle  time.Duration

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New constructs a Service. The caller owns its lifetime and must call
// Close to drain in-flight operations before the process exits.
func New(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	var sem *semaphore.Weighted
	if opts.MaxConcurrentInfers > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrentInfers))
	}
	throttle := opts.ProgressThrottle
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}
	return &Service{
		cap:      opts.Capability,
		log:      log,
		reg:      registry.New(opts.Capability, log.WithField("component", "registry")),
		store:    store.New(opts.SessionTTL, opts.SessionMaxLen, log.WithField("component", "store")),
		pool:     newWorkerPool(workers),
		inferCap: sem,
		throttle: throttle,
	}
}

// enter guards every operation against running after Close has begun
// draining (design note "Graceful shutdown").
func (s *Service) enter() error {
	if s.closing.Load() {
		return apperr.New(apperr.SessionBroken, "service", fmt.Errorf("service is shutting down"))
	}
	s.inflight.Add(1)
	return nil
}

func (s *Service) leave() { s.inflight.Done() }

// Close stops accepting new operations and waits (bounded by ctx) for
// every in-flight operation to finish. It does not unload models or
// destroy the sessions still in the store. Grounded on
// oriys-nova/internal/executor/executor.go's GracefulShutdown.
func (s *Service) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.pool.close()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ---- Model Registry operations (spec.md §4.2, §6) ----

// ModelLoadOptions is model_load's input.
type ModelLoadOptions struct {
	ID       string
	Path     string
	Progress func(float64)
}

// ModelLoad loads a model by path under a stable id. If Progress is set,
// the load runs on a background goroutine supervised by an errgroup
// (design note "fan-out point"), grounded on oriys-nova's errgroup
// pre-fetch stage, so a slow load does not hold a worker pool slot idle.
func (s *Service) ModelLoad(ctx context.Context, opts ModelLoadOptions) (registry.Info, error) {
	if err := s.enter(); err != nil {
		return registry.Info{}, err
	}
	defer s.leave()

	if opts.Progress == nil {
		return s.reg.Load(ctx, opts.Path, opts.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	var info registry.Info
	g.Go(func() error {
		opts.Progress(0)
		var err error
		info, err = s.reg.Load(gctx, opts.Path, opts.ID)
		opts.Progress(1)
		return err
	})
	if err := g.Wait(); err != nil {
		return info, err
	}
	return info, nil
}

// ModelLoadManifest bulk-loads every id/path pair concurrently, returning
// the first error encountered (if any) after all attempts complete.
func (s *Service) ModelLoadManifest(ctx context.Context, entries []ModelLoadOptions) ([]registry.Info, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	infos := make([]registry.Info, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			info, err := s.reg.Load(gctx, e.Path, e.ID)
			infos[i] = info
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return infos, err
	}
	return infos, nil
}

// ModelUnload implements model_unload.
func (s *Service) ModelUnload(id string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.reg.Unload(id)
}

// ModelHashByID implements model_hash_by_id.
func (s *Service) ModelHashByID(id string) (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	return s.reg.HashByID(id)
}

// ModelHashByPath implements model_hash_by_path (no model need be loaded).
func (s *Service) ModelHashByPath(path string) (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	return registry.HashByPath(path)
}

// TokenLength implements token_length.
func (s *Service) TokenLength(modelID, text string) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	return s.reg.TokenLength(s.cap, modelID, text)
}

// ---- Session operations (spec.md §4.4, §6) ----

// GptCreateOptions is gpt_create's input.
type GptCreateOptions struct {
	ModelID       string
	ContextSize   int
	BatchSize     int
	Seed          uint64
	InitialPrompt string
	SnapshotDir   string
	OnPrefill     cancel.PrefillCallback
}

// GptCreateResult is gpt_create's output.
type GptCreateResult struct {
	SessionID      uint32
	TokenLength    int
	LoadedSnapshot bool
}

// GptCreate implements gpt_create.
func (s *Service) GptCreate(ctx context.Context, opts GptCreateOptions) (GptCreateResult, error) {
	if err := s.enter(); err != nil {
		return GptCreateResult{}, err
	}
	defer s.leave()

	var result GptCreateResult
	err := s.pool.run(ctx, func() error {
		m, err := s.reg.Acquire(opts.ModelID)
		if err != nil {
			return err
		}
		released := false
		release := func() {
			if !released {
				released = true
				s.reg.Release(m)
			}
		}

		sess, err := session.Create(s.cap, m, release, session.CreateOptions{
			ContextSize:   opts.ContextSize,
			BatchSize:     opts.BatchSize,
			Seed:          opts.Seed,
			InitialPrompt: opts.InitialPrompt,
			SnapshotDir:   opts.SnapshotDir,
			Progress:      cancel.ThrottledPrefill(opts.OnPrefill, s.throttle),
			Log:           s.log.WithField("model_id", opts.ModelID),
		})
		if err != nil {
			release()
			return err
		}

		id, err := s.store.Insert(sess)
		if err != nil {
			sess.Destroy()
			return err
		}
		sess.SetID(id)
		result = GptCreateResult{
			SessionID:      id,
			TokenLength:    sess.TokenLength(),
			LoadedSnapshot: sess.LoadedFromSnapshot(),
		}
		return nil
	})
	return result, err
}

// GptTouch implements gpt_touch.
func (s *Service) GptTouch(sessionID uint32) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if !s.store.Touch(sessionID) {
		return apperr.New(apperr.SessionNotFound, "gpt_touch", nil)
	}
	return nil
}

// withSession looks up sessionID and runs fn with the concrete
// *session.Session, always releasing the store handle afterward.
func (s *Service) withSession(sessionID uint32, fn func(*session.Session) error) error {
	h, err := s.store.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer h.Release()

	sess, ok := h.Session().(*session.Session)
	if !ok {
		return apperr.New(apperr.SessionBroken, "lookup", fmt.Errorf("unexpected session type"))
	}
	return fn(sess)
}

// GptDecodeOptions is gpt_decode's input.
type GptDecodeOptions struct {
	SessionID uint32
	Prompt    string
	OnPrefill cancel.PrefillCallback
}

// GptDecode implements gpt_decode.
func (s *Service) GptDecode(ctx context.Context, opts GptDecodeOptions) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	var n int
	err := s.pool.run(ctx, func() error {
		return s.withSession(opts.SessionID, func(sess *session.Session) error {
			var err error
			n, err = sess.Decode(ctx, opts.Prompt, cancel.ThrottledPrefill(opts.OnPrefill, s.throttle))
			return err
		})
	})
	return n, err
}

// GptInferOptions is gpt_infer's input.
type GptInferOptions struct {
	SessionID uint32
	Infer     session.InferOptions
}

// GptInfer implements gpt_infer, bounded by the optional global inference
// concurrency cap.
func (s *Service) GptInfer(ctx context.Context, opts GptInferOptions) (session.InferResult, error) {
	if err := s.enter(); err != nil {
		return session.InferResult{}, err
	}
	defer s.leave()

	if s.inferCap != nil {
		if err := s.inferCap.Acquire(ctx, 1); err != nil {
			return session.InferResult{}, err
		}
		defer s.inferCap.Release(1)
	}

	opts.Infer.PerToken = cancel.ThrottledToken(opts.Infer.PerToken, s.throttle)
	opts.Infer.DecodeProgress = cancel.ThrottledPrefill(opts.Infer.DecodeProgress, s.throttle)

	// Per-invocation correlation id so concurrent sessions' infer logs
	// stay traceable (design note "per-layer callback identity").
	corrID := uuid.New().String()[:8]
	log := s.log.WithFields(logrus.Fields{"session_id": opts.SessionID, "corr_id": corrID})

	var result session.InferResult
	err := s.pool.run(ctx, func() error {
		return s.withSession(opts.SessionID, func(sess *session.Session) error {
			log.Debug("infer started")
			var err error
			result, err = sess.Infer(ctx, opts.Infer)
			log.WithField("generated", result.GeneratedCount).Debug("infer finished")
			return err
		})
	})
	return result, err
}

// GptCommit implements gpt_commit.
func (s *Service) GptCommit(sessionID uint32) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	var n int
	err := s.withSession(sessionID, func(sess *session.Session) error {
		n = sess.Commit()
		return nil
	})
	return n, err
}

// GptReset implements gpt_reset.
func (s *Service) GptReset(sessionID uint32) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	var n int
	err := s.withSession(sessionID, func(sess *session.Session) error {
		var err error
		n, err = sess.Reset()
		return err
	})
	return n, err
}

// GptDestroy implements gpt_destroy.
func (s *Service) GptDestroy(sessionID uint32) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.Remove(sessionID)
}

// AbortInference implements abort_inference (spec.md §4.5, §6): setting
// the flag while no inference is in flight is a no-op observed on the
// next infer, so this does not require the session to currently be
// running.
func (s *Service) AbortInference(sessionID uint32) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	return s.withSession(sessionID, func(sess *session.Session) error {
		return sess.Abort()
	})
}
