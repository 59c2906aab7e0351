package agent

import "sync"

// channelLocks serializes agent loop runs per (workspace, agent, channel)
// within this process, so two concurrent messages to one channel cannot
// interleave their read-modify-write of the conversation history. Locks are
// created on first use and never reclaimed; the key space is bounded by the
// number of live conversations.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*sync.Mutex)}
}

func (c *channelLocks) lock(key string) func() {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}
