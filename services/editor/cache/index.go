// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sbadger "github.com/AleutianAI/montage/services/editor/storage/badger"
	"github.com/dgraph-io/badger/v4"
	bolt "go.etcd.io/bbolt"
)

// Index persists cache entries so a cache survives restarts.
//
// Implementations must be safe for concurrent use.
type Index interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, keys ...Key) error
	Clear(ctx context.Context) error
	Close() error
}

// badgerPrefix namespaces cache records inside the shared database.
var badgerPrefix = []byte("render-cache/")

// BadgerIndex stores entries as JSON values in BadgerDB.
type BadgerIndex struct {
	db *sbadger.DB
}

// NewBadgerIndex wraps an open database. The index takes ownership of db
// and closes it on Close.
func NewBadgerIndex(db *sbadger.DB) *BadgerIndex {
	return &BadgerIndex{db: db}
}

// OpenBadgerIndex opens (or creates) a BadgerDB under dir.
func OpenBadgerIndex(dir string) (*BadgerIndex, error) {
	db, err := sbadger.Open(sbadger.DefaultConfig(dir))
	if err != nil {
		return nil, err
	}
	return NewBadgerIndex(db), nil
}

func badgerKey(k Key) []byte {
	return append(append([]byte(nil), badgerPrefix...), k...)
}

// Load returns every stored entry.
func (b *BadgerIndex) Load(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := b.db.ScanPrefix(ctx, badgerPrefix, func(key, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Save writes one entry.
func (b *BadgerIndex) Save(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerKey(e.Key), raw)
	})
}

// Delete removes entries by key. Missing keys are ignored.
func (b *BadgerIndex) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(badgerKey(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every entry.
func (b *BadgerIndex) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.DropPrefix(badgerPrefix)
}

// Close closes the underlying database.
func (b *BadgerIndex) Close() error {
	return b.db.Close()
}

var boltBucket = []byte("render_cache")

// BoltIndex stores entries as JSON values in a bbolt file.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens (or creates) the bbolt file at path.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltIndex{db: db}, nil
}

// Load returns every stored entry.
func (b *BoltIndex) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Save writes one entry.
func (b *BoltIndex) Save(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(e.Key), raw)
	})
}

// Delete removes entries by key. Missing keys are ignored.
func (b *BoltIndex) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every entry.
func (b *BoltIndex) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

// Close closes the bbolt file.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}
