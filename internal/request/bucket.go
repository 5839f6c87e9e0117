package request

import (
	"errors"
	"sync"
)

var ErrBucketFreed = errors.New("bucket already freed")

// Bucket holds request payload: data to insert or fetched content.
type Bucket interface {
	Bytes() ([]byte, error)
	Size() int64
	Free()
}

type MemoryBucket struct {
	mu    sync.Mutex
	data  []byte
	freed bool
}

func NewMemoryBucket(data []byte) *MemoryBucket {
	return &MemoryBucket{data: data}
}

func (b *MemoryBucket) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, ErrBucketFreed
	}
	return b.data, nil
}

func (b *MemoryBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *MemoryBucket) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freed = true
	b.data = nil
}

func (b *MemoryBucket) Freed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freed
}
