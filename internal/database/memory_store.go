package database

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a RequestStore that lives only as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*RequestDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*RequestDocument)}
}

func (ms *MemoryStore) Save(_ context.Context, doc *RequestDocument) error {
	if doc.Identifier == "" {
		return ErrEmptyIdentifier
	}
	cp := *doc
	cp.Files = slices.Clone(doc.Files)
	cp.Data = slices.Clone(doc.Data)
	ms.mu.Lock()
	ms.requests[doc.Key()] = &cp
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, client string, global bool, identifier string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	ms.mu.Lock()
	delete(ms.requests, documentKey(client, global, identifier))
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Get(client string, global bool, identifier string) (*RequestDocument, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	doc, ok := ms.requests[documentKey(client, global, identifier)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (ms *MemoryStore) Load(context.Context) ([]*RequestDocument, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*RequestDocument, 0, len(ms.requests))
	for _, doc := range ms.requests {
		cp := *doc
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *RequestDocument) int { return a.StartTime.Compare(b.StartTime) })
	return out, nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}
