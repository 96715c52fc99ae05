package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dossierbot/dossier/memory"
)

// MockMemory is an in-memory memory.Adapter with error injection. Appends
// honor the idempotency contract: a repeated identical role+content at the
// tail is a no-op.
type MockMemory struct {
	mu sync.Mutex

	turns     map[string][]memory.Turn
	passages  []memory.Passage
	feedback  []FeedbackRecord
	appendErr error
	loadErr   error
	searchErr error

	// appendFailures injects errors into the next N appends, then clears.
	appendFailures int
	// appendFailAfter fails every append once this many calls have happened.
	appendFailAfter int

	appendCalls int
	searchCalls int
}

// FeedbackRecord captures one AddFeedback call.
type FeedbackRecord struct {
	ConversationID string
	MessageID      *uint
	Rating         int
	Comment        string
}

// NewMockMemory creates an empty adapter.
func NewMockMemory() *MockMemory {
	return &MockMemory{turns: make(map[string][]memory.Turn)}
}

// WithAppendError makes every AppendTurn fail with err.
func (m *MockMemory) WithAppendError(err error) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
	return m
}

// WithAppendFailures makes the next n AppendTurn calls fail, then recover.
func (m *MockMemory) WithAppendFailures(n int) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendFailures = n
	return m
}

// WithAppendErrorAfter makes every AppendTurn past the first n calls fail.
func (m *MockMemory) WithAppendErrorAfter(n int) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendFailAfter = n
	return m
}

// WithLoadError makes every LoadHistory fail with err.
func (m *MockMemory) WithLoadError(err error) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
	return m
}

// WithSearchError makes every SemanticSearch fail with err.
func (m *MockMemory) WithSearchError(err error) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchErr = err
	return m
}

// WithPassages seeds the semantic search results.
func (m *MockMemory) WithPassages(passages ...memory.Passage) *MockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages = append(m.passages, passages...)
	return m
}

// AppendTurn implements memory.Adapter.
func (m *MockMemory) AppendTurn(ctx context.Context, conversationID, role, content, toolCall string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++

	if m.appendErr != nil {
		return m.appendErr
	}
	if m.appendFailures > 0 {
		m.appendFailures--
		return fmt.Errorf("mock memory: injected append failure")
	}
	if m.appendFailAfter > 0 && m.appendCalls > m.appendFailAfter {
		return fmt.Errorf("mock memory: injected append failure")
	}

	turns := m.turns[conversationID]
	if n := len(turns); n > 0 && turns[n-1].Role == role && turns[n-1].Content == content {
		return nil
	}
	m.turns[conversationID] = append(turns, memory.Turn{
		ID:             uint(len(turns) + 1),
		ConversationID: conversationID,
		Position:       len(turns),
		Role:           role,
		Content:        content,
		ToolCall:       toolCall,
		CreatedAt:      time.Now(),
	})
	return nil
}

// LoadHistory implements memory.Adapter, most recent first.
func (m *MockMemory) LoadHistory(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	turns := m.turns[conversationID]
	if limit <= 0 || limit > len(turns) {
		limit = len(turns)
	}
	out := make([]memory.Turn, 0, limit)
	for i := len(turns) - 1; i >= len(turns)-limit; i-- {
		out = append(out, turns[i])
	}
	return out, nil
}

// SemanticSearch implements memory.Adapter with the seeded passages.
func (m *MockMemory) SemanticSearch(ctx context.Context, query string, k int) ([]memory.Passage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if k > len(m.passages) {
		k = len(m.passages)
	}
	out := make([]memory.Passage, k)
	copy(out, m.passages[:k])
	return out, nil
}

// AddKnowledge implements memory.Adapter.
func (m *MockMemory) AddKnowledge(ctx context.Context, id, text string, metadata map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = fmt.Sprintf("kb-%d", len(m.passages)+1)
	}
	for i, p := range m.passages {
		if p.ID == id {
			m.passages[i].Text = text
			m.passages[i].Metadata = metadata
			return id, nil
		}
	}
	m.passages = append(m.passages, memory.Passage{ID: id, Text: text, Metadata: metadata})
	return id, nil
}

// AddFeedback implements memory.Adapter.
func (m *MockMemory) AddFeedback(ctx context.Context, conversationID string, messageID *uint, rating int, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, FeedbackRecord{
		ConversationID: conversationID,
		MessageID:      messageID,
		Rating:         rating,
		Comment:        comment,
	})
	return nil
}

// Turns returns the stored turns for a conversation, oldest first.
func (m *MockMemory) Turns(conversationID string) []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[conversationID]
	out := make([]memory.Turn, len(turns))
	copy(out, turns)
	return out
}

// Feedback returns the recorded feedback entries.
func (m *MockMemory) Feedback() []FeedbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FeedbackRecord, len(m.feedback))
	copy(out, m.feedback)
	return out
}

// AppendCalls returns the number of AppendTurn calls, including failures.
func (m *MockMemory) AppendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCalls
}

var _ memory.Adapter = (*MockMemory)(nil)
