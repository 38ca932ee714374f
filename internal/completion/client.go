// Package completion provides chat-completion clients for answer generation.
package completion

import "context"

// Client generates a completion from a system prompt and a user prompt.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
