// Package vector provides the per-patient embedding store and nearest-neighbor search.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Result is a single nearest-neighbor hit. Position is the insertion index of
// the matched entry; DocID references the document record inserted with it.
type Result struct {
	Position int
	DocID    string
	Distance float64 // squared Euclidean distance to the query
}

// Store holds one patient's embeddings as an append-only ordered sequence of
// (vector, docID) pairs. The i-th vector always corresponds to the i-th
// inserted docID; insert is the only mutation. Search uses brute-force squared
// Euclidean distance, which is fine for per-patient corpora of tens to low
// hundreds of documents.
type Store struct {
	dimensions int
	docIDs     []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewStore creates an empty store for vectors of the given dimension.
func NewStore(dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &Store{
		dimensions: dimensions,
		docIDs:     make([]string, 0),
		vectors:    make([][]float32, 0),
	}, nil
}

// Insert appends the vector and its document reference as one atomic pair and
// returns the assigned position. A concurrent Search sees the store either
// before or after the append, never in between.
func (s *Store) Insert(ctx context.Context, vec []float32, docID string) (int, error) {
	if len(vec) != s.dimensions {
		return 0, fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), s.dimensions)
	}
	cp := make([]float32, s.dimensions)
	copy(cp, vec)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docIDs = append(s.docIDs, docID)
	s.vectors = append(s.vectors, cp)
	return len(s.docIDs) - 1, nil
}

// Search returns the k entries nearest to query, ascending by squared Euclidean
// distance, ties broken by insertion order (earlier position first). If fewer
// than k entries exist, all are returned. An empty store yields an empty result,
// not an error. Search never mutates the store.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), s.dimensions)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k <= 0 || len(s.docIDs) == 0 {
		return []Result{}, nil
	}
	results := make([]Result, len(s.docIDs))
	for i, vec := range s.vectors {
		results[i] = Result{
			Position: i,
			DocID:    s.docIDs[i],
			Distance: SquaredL2(query, vec),
		}
	}
	// Stable sort over insertion order keeps earlier positions first on equal distance.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Size returns the number of entries in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docIDs)
}

// Dimensions returns the vector dimension the store accepts.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Save persists the store to path. Directory is created if needed. Format:
// dimensions (4), n (4), then per entry: idLen (4), id bytes, vector (dimensions*4 bytes).
func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(s.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(s.docIDs))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range s.docIDs {
		idBytes := []byte(id)
		if err := binary.Write(f, binary.LittleEndian, uint32(len(idBytes))); err != nil {
			return fmt.Errorf("write id len: %w", err)
		}
		if _, err := f.Write(idBytes); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := f.Write(float32SliceToBytes(s.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load reads a snapshot from path and replaces the store contents, preserving
// the recorded insertion order. Dimensions must match. A missing file is not an
// error and leaves the store unchanged.
func (s *Store) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	var dim, n uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != s.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, store expects %d", dim, s.dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docIDs = make([]string, 0, n)
	s.vectors = make([][]float32, 0, n)
	buf := make([]byte, s.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id len: %w", err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(f, idBytes); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		s.docIDs = append(s.docIDs, string(idBytes))
		s.vectors = append(s.vectors, bytesToFloat32Slice(buf))
	}
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
