package database

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
)

const (
	versionKey   = "version"
	boltVersion  = 0
	boltOpenWait = 5 * time.Second
)

var cborEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// BoltStore keeps forever requests in an embedded bbolt file, CBOR-encoded.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenWait})
	if err != nil {
		return nil, fmt.Errorf("error occured while opening %s: %w", path, err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(requestsBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != boltVersion {
				return fmt.Errorf("incompatible request store version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{boltVersion})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.InfoF("Opened request store %s", path)
	return &BoltStore{db: db}, nil
}

func (bs *BoltStore) Save(_ context.Context, doc *RequestDocument) error {
	if doc.Identifier == "" {
		return ErrEmptyIdentifier
	}
	doc.UpdatedAt = time.Now()
	raw, err := cborEncMode.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.Key(), err)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(requestsBucket)).Put([]byte(doc.Key()), raw)
	})
}

func (bs *BoltStore) Delete(_ context.Context, client string, global bool, identifier string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(requestsBucket)).Delete([]byte(documentKey(client, global, identifier)))
	})
}

func (bs *BoltStore) Load(context.Context) ([]*RequestDocument, error) {
	var docs []*RequestDocument
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(requestsBucket)).ForEach(func(k, v []byte) error {
			doc := new(RequestDocument)
			if err := cbor.Unmarshal(v, doc); err != nil {
				logger.ErrorF("Skipping unreadable request %s: %v", k, err)
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(docs, func(a, b *RequestDocument) int { return a.StartTime.Compare(b.StartTime) })
	return docs, nil
}

func (bs *BoltStore) Close(context.Context) error {
	logger.InfoF("Closing request store")
	return bs.db.Close()
}
