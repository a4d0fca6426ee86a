// Package cache keeps the last-known record of every server seen by this
// process. It is an accelerator, not a source of truth: entries may be
// stale and the directory store always wins.
package cache

import (
	"sync"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
)

// ServerCache maps server uuid to a private copy of its record.
type ServerCache struct {
	mu      sync.RWMutex
	servers map[string]*models.Server
}

// New creates an empty cache.
func New() *ServerCache {
	return &ServerCache{servers: make(map[string]*models.Server)}
}

// Lookup returns a copy of the cached record.
func (c *ServerCache) Lookup(id string) (*models.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Store overwrites the entry for id with a copy of s.
func (c *ServerCache) Store(id string, s *models.Server) {
	c.mu.Lock()
	c.servers[id] = s.Clone()
	c.mu.Unlock()
}

// Delete drops the entry for id.
func (c *ServerCache) Delete(id string) {
	c.mu.Lock()
	delete(c.servers, id)
	c.mu.Unlock()
}

// Len returns the number of cached servers.
func (c *ServerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}
