// Package registry maps patient identifiers to their isolated vector stores.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hyperjump/karute/internal/vector"
)

const snapshotExt = ".vec"

// Registry is the process-wide mapping from patient id to that patient's vector
// store. Stores are created lazily on first ingestion and live for the process
// lifetime; there is no eviction, so memory grows with the number of patients
// seen. The check-then-create sequence is serialized so concurrent first access
// for the same patient yields exactly one store.
type Registry struct {
	dimensions int
	mu         sync.Mutex
	stores     map[string]*vector.Store
}

// New creates a registry for stores of the given vector dimension.
func New(dimensions int) (*Registry, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &Registry{
		dimensions: dimensions,
		stores:     make(map[string]*vector.Store),
	}, nil
}

// GetOrCreate returns the store for patientID, creating an empty one on first use.
func (r *Registry) GetOrCreate(patientID string) *vector.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[patientID]; ok {
		return s
	}
	s, _ := vector.NewStore(r.dimensions)
	r.stores[patientID] = s
	return s
}

// Get returns the existing store for patientID, if any. It never creates one,
// so read paths do not grow the registry.
func (r *Registry) Get(patientID string) (*vector.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[patientID]
	return s, ok
}

// Remove drops the store for patientID and deletes its snapshot under dir, if
// dir is non-empty. Used when a patient's data is deleted.
func (r *Registry) Remove(patientID string, dir string) error {
	r.mu.Lock()
	delete(r.stores, patientID)
	r.mu.Unlock()
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, snapshotFilename(patientID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Patients returns the sorted patient ids with a store.
func (r *Registry) Patients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the total number of vectors across all stores.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.stores {
		n += s.Size()
	}
	return n
}

// SaveAll writes one snapshot file per patient under dir.
func (r *Registry) SaveAll(dir string) error {
	if dir == "" {
		return nil
	}
	r.mu.Lock()
	stores := make(map[string]*vector.Store, len(r.stores))
	for id, s := range r.stores {
		stores[id] = s
	}
	r.mu.Unlock()
	for id, s := range stores {
		if err := s.Save(filepath.Join(dir, snapshotFilename(id))); err != nil {
			return fmt.Errorf("save store for %s: %w", id, err)
		}
	}
	return nil
}

// LoadAll loads every snapshot under dir into the registry. A missing directory
// is not an error. Snapshots with a different dimension are skipped.
func (r *Registry) LoadAll(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}
		patientID, ok := patientIDFromFilename(e.Name())
		if !ok {
			continue
		}
		s := r.GetOrCreate(patientID)
		if err := s.Load(filepath.Join(dir, e.Name())); err != nil {
			continue
		}
	}
	return nil
}

// snapshotFilename encodes the patient id so arbitrary ids are safe as filenames.
func snapshotFilename(patientID string) string {
	return encodeID(patientID) + snapshotExt
}

func patientIDFromFilename(name string) (string, bool) {
	return decodeID(strings.TrimSuffix(name, snapshotExt))
}

const hexDigits = "0123456789abcdef"

func encodeID(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}

func decodeID(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi := strings.IndexByte(hexDigits, s[i+1])
		lo := strings.IndexByte(hexDigits, s[i+2])
		if hi < 0 || lo < 0 {
			return "", false
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), true
}
