package database

import (
	"context"
	"fmt"

	c "github.com/life-stream-dev/life-stream-go-fcp-server/internal/config"
)

// Open returns the RequestStore selected by database.driver.
func Open(ctx context.Context, config c.Config) (RequestStore, error) {
	switch config.Database.Driver {
	case c.DriverMongo:
		return ConnectMongo(ctx, config)
	case c.DriverBolt:
		return OpenBolt(config.Database.BoltPath)
	case c.DriverMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", config.Database.Driver)
}

// CloseCallback adapts a store to the shutdown Cleaner.
type CloseCallback struct {
	store RequestStore
}

func NewCloseCallback(store RequestStore) *CloseCallback {
	return &CloseCallback{store: store}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	return cc.store.Close(ctx)
}
