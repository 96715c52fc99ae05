// Package memory provides conversation persistence and the semantic knowledge
// base behind one adapter interface. The relational log and the vector index
// are collaborators hidden behind Adapter; the reasoning engine only depends
// on the contract.
package memory

import (
	"context"
	"time"
)

// Turn is one persisted conversation turn.
type Turn struct {
	ID             uint      `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Position       int       `json:"position"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCall       string    `json:"tool_call,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Passage is one retrieved knowledge-base passage.
type Passage struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Adapter is the memory contract consumed by the reasoning engine and the
// streaming adapter.
type Adapter interface {
	// AppendTurn durably appends a turn to the conversation log. The append is
	// idempotent under at-least-once delivery: retrying with identical role and
	// content at the same position is a no-op, not a duplicate.
	AppendTurn(ctx context.Context, conversationID, role, content, toolCall string) error

	// LoadHistory returns up to limit turns, most recent first. limit <= 0
	// applies the store default.
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// SemanticSearch returns up to k passages ranked by similarity descending.
	// Ties break most-recently-added first so prompt assembly is deterministic.
	SemanticSearch(ctx context.Context, query string, k int) ([]Passage, error)

	// AddKnowledge stores a passage in the knowledge base. Idempotent on a
	// caller-supplied id; assigns one when id is empty. Returns the id.
	AddKnowledge(ctx context.Context, id, text string, metadata map[string]any) (string, error)

	// AddFeedback records a user rating for a conversation, optionally tied to
	// a specific message.
	AddFeedback(ctx context.Context, conversationID string, messageID *uint, rating int, comment string) error
}

// Embedder converts text to a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	// Dimension returns the embedding dimensionality.
	Dimension() int
}
