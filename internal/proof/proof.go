// Package proof produces and resolves proof records: content-hashed evidence
// artifacts required to mark a step completed.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"gearbox/internal/types"
)

// NewRecord hashes the artifact at path and returns an immutable proof
// record for it.
func NewRecord(path string) (*types.ProofRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash proof artifact: %w", err)
	}

	return &types.ProofRecord{
		Hash:      hex.EncodeToString(h.Sum(nil)),
		Path:      path,
		CreatedAt: time.Now(),
	}, nil
}

// FileResolver resolves proof records against the filesystem. A record
// resolves when its path exists; when the artifact is readable and the record
// carries a hash, the content must still match.
type FileResolver struct{}

// ResolveProof implements gate.ProofResolver.
func (FileResolver) ResolveProof(p types.ProofRecord) bool {
	if p.Empty() {
		return false
	}
	fi, err := os.Stat(p.Path)
	if err != nil || fi.IsDir() {
		return false
	}
	if p.Hash == "" {
		return true
	}

	f, err := os.Open(p.Path)
	if err != nil {
		// Exists but unreadable: the artifact is there, accept it.
		return true
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return true
	}
	return hex.EncodeToString(h.Sum(nil)) == p.Hash
}
