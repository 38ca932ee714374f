// Package answer turns retrieved documents into a grounded natural-language answer.
package answer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/completion"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/pkg/utils"
)

// SystemPrompt constrains the model to the supplied patient data.
const SystemPrompt = "You are a medical assistant that provides answers based solely on the provided patient data."

// FallbackAnswer is returned verbatim whenever answer generation fails. It
// carries no detail from the failure or the patient context.
const FallbackAnswer = "Sorry, an error occurred while processing your query."

// contextSeparator joins document texts in the prompt.
const contextSeparator = "\n---\n"

// DefaultMaxContextChars bounds the assembled context blob.
const DefaultMaxContextChars = 24000

// Assembler builds the prompt from retrieved documents and asks the
// completion client for an answer.
type Assembler struct {
	client          completion.Client
	maxContextChars int
	logger          *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// WithMaxContextChars bounds the context blob size.
func WithMaxContextChars(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxContextChars = n
		}
	}
}

// NewAssembler creates an Assembler using client for generation.
func NewAssembler(client completion.Client, opts ...Option) *Assembler {
	a := &Assembler{
		client:          client,
		maxContextChars: DefaultMaxContextChars,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer generates an answer to question grounded in docs. Any generation
// failure yields FallbackAnswer with a nil error; the question is answered
// either way.
func (a *Assembler) Answer(ctx context.Context, question string, docs []*models.DocumentRecord) string {
	contextBlob := a.buildContext(docs)

	prompt := "Patient data:\n" + contextBlob + "\n\nQuestion: " + question
	reply, err := a.client.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		a.logger.Error("answer generation failed", zap.Error(err))
		return FallbackAnswer
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		a.logger.Warn("answer generation returned empty reply")
		return FallbackAnswer
	}
	return reply
}

// buildContext joins document texts with the separator, bounded to
// maxContextChars.
func (a *Assembler) buildContext(docs []*models.DocumentRecord) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.Text == "" {
			continue
		}
		parts = append(parts, doc.Text)
	}
	if len(parts) == 0 {
		return "No patient data available."
	}
	return utils.Truncate(strings.Join(parts, contextSeparator), a.maxContextChars)
}
