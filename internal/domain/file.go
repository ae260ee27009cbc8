// Package domain contains core domain types for the checkrelay daemon.
package domain

import (
	"crypto/sha1"
	"encoding/hex"
)

// RemoveMarker is a special content hash commanding the server to delete a
// previously synced file (stale suppress/args files from an earlier check).
const RemoveMarker = "#REMOVE#"

// FileRecord is one client file during sync: its client-side path, the hash
// of its contents, and optionally the contents themselves. Identity is
// (path, content_hash); equal hashes mean equal contents regardless of path.
type FileRecord struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"content,omitempty"`
}

// HasContent reports whether the record carries inline file contents.
func (f FileRecord) HasContent() bool {
	return f.Content != nil
}

// HashBytes returns the content hash used throughout the protocol.
func HashBytes(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}
