package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// conversationLocks serializes runs per conversation: a second message on a
// busy conversation queues behind the active run instead of interleaving
// with it. Acquisition honors ctx so a cancelled caller stops waiting.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (c *conversationLocks) wait(ctx context.Context, conversationID string) (release func(), err error) {
	c.mu.Lock()
	sem, ok := c.locks[conversationID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.locks[conversationID] = sem
	}
	c.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
