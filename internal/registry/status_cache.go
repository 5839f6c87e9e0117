package registry

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

// StatusCache remembers request outcomes so status queries can be answered without the record.
// A nil cache stores nothing.
type StatusCache struct {
	lru *expirable.LRU[string, request.Status]
}

func NewStatusCache(size int, ttl time.Duration) *StatusCache {
	return &StatusCache{lru: expirable.NewLRU[string, request.Status](size, nil, ttl)}
}

func (c *StatusCache) Put(key string, st request.Status) {
	if c != nil {
		c.lru.Add(key, st)
	}
}

func (c *StatusCache) Get(key string) (request.Status, bool) {
	if c == nil {
		return request.Status{}, false
	}
	return c.lru.Get(key)
}

func (c *StatusCache) Remove(key string) {
	if c != nil {
		c.lru.Remove(key)
	}
}

func (c *StatusCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
