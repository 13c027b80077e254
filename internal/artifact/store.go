// Package artifact implements the content-addressed blob store.
//
// Objects are identified by the SHA-256 of their bytes; putting identical
// content twice returns the existing coordinates without rewriting. Both
// back-ends shard objects under <prefix>/<hash[0:2]>/<hash> to bound
// directory fan-out.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Kind values for stored artifacts.
const (
	KindLog         = "log"
	KindTestOutput  = "test_output"
	KindDiff        = "diff"
	KindModelOutput = "model_output"
	KindPatch       = "patch"
)

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("artifact: not found")

// Ref is the coordinates of a stored artifact.
type Ref struct {
	SHA256    string    `json:"sha256"`
	Kind      string    `json:"kind"`
	URI       string    `json:"uri"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the content-addressed blob store contract. Implementations are
// safe for concurrent use; identical-content puts are no-ops.
type Store interface {
	Put(ctx context.Context, data []byte, kind string) (Ref, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// HashBytes returns the hex SHA-256 identity of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// shardKey returns "<hash[0:2]>/<hash>".
func shardKey(hash string) string {
	return hash[:2] + "/" + hash
}
