// Package embedding provides text embedding via a remote service or local ONNX model.
package embedding

import (
	"context"
	"errors"
)

// DefaultDimensions is the vector size of the default model (all-MiniLM-L6-v2).
const DefaultDimensions = 384

// ErrEmptyText is returned when an embedder is asked to embed empty input.
// Embedders never map empty text to a zero vector silently; callers validate
// input before reaching here.
var ErrEmptyText = errors.New("cannot embed empty text")

// Embedder produces fixed-dimension vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
