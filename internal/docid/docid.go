// Package docid provides deterministic document IDs for watched inbox files.
package docid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "inbox:"

// InboxDocID returns a stable document ID for a file dropped into a patient's
// inbox. The same patient/path pair always yields the same ID, so re-ingesting
// an already-processed file is detected as a duplicate.
func InboxDocID(patientID, absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(patientID + "\x00" + normalized))
	return prefix + hex.EncodeToString(hash[:])
}
