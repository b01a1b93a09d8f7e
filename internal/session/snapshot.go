package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
)

// snapshotPath derives the on-disk snapshot file path for a given
// snapshot directory, model hash, prompt text, and batch size, per
// spec.md §6 "Persisted state": identity is
// sha256(model_hash || prompt_text || batch_size), lowercase hex,
// extension ".llama-state". dir is where callers keep their snapshot
// files; this resolves the spec's file-identity convention into a
// concrete path within it.
func snapshotPath(dir string, modelHash uint64, promptText string, batchSize int) string {
	h := sha256.New()
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], modelHash)
	h.Write(hb[:])
	h.Write([]byte(promptText))
	var bb [8]byte
	binary.BigEndian.PutUint64(bb[:], uint64(batchSize))
	h.Write(bb[:])
	id := hex.EncodeToString(h.Sum(nil))
	return filepath.Join(dir, id+".llama-state")
}
