// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/pickup/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

var (
	recordPrefix = []byte("msg/")
	indexPrefix  = []byte("id/")
)

// recordEnc keeps nanosecond creation times; the default mode truncates to seconds.
var recordEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func recordKey(r storage.Record) []byte {
	key := make([]byte, 0, len(recordPrefix)+8+len(r.MessageID))
	key = append(key, recordPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(r.CreatedAt.UnixNano()))
	return append(key, r.MessageID...)
}

func indexKey(messageID string) []byte {
	return append(append([]byte{}, indexPrefix...), messageID...)
}

// Insert stores r unless its MessageID is already indexed.
func (s *Store) Insert(ctx context.Context, r storage.Record) error {
	data, err := recordEnc.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(indexKey(r.MessageID))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		key := recordKey(r)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(r.MessageID), key)
	})
}

// Find walks records in creation order.
func (s *Store) Find(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	var out []storage.Record

	err := s.view(q.Filter, func(_ []byte, r storage.Record) bool {
		if q.WithoutPayload {
			r.EncryptedMessage = ""
		}
		out = append(out, r)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out, err
}

func (s *Store) Count(ctx context.Context, f storage.Filter) (int64, error) {
	var n int64
	err := s.view(f, func([]byte, storage.Record) bool {
		n++
		return true
	})
	return n, err
}

func (s *Store) Delete(ctx context.Context, f storage.Filter) (int64, error) {
	var n int64
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.each(txn, f, func(key []byte, r storage.Record) error {
			if err := txn.Delete(key); err != nil {
				return err
			}
			n++
			return txn.Delete(indexKey(r.MessageID))
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) UpdateState(ctx context.Context, f storage.Filter, state storage.State) (int64, error) {
	var n int64
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.each(txn, f, func(key []byte, r storage.Record) error {
			r.State = state
			data, err := recordEnc.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			n++
			return txn.Set(key, data)
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// view iterates matching records read-only until fn returns false.
func (s *Store) view(f storage.Filter, fn func(key []byte, r storage.Record) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		s.scan(txn, f, fn)
		return nil
	})
}

// each collects matching records first so fn may write within txn.
func (s *Store) each(txn *badger.Txn, f storage.Filter, fn func([]byte, storage.Record) error) error {
	type match struct {
		key []byte
		rec storage.Record
	}
	var matches []match
	s.scan(txn, f, func(key []byte, r storage.Record) bool {
		matches = append(matches, match{key: key, rec: r})
		return true
	})

	for _, m := range matches {
		if err := fn(m.key, m.rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scan(txn *badger.Txn, f storage.Filter, fn func([]byte, storage.Record) bool) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = recordPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var r storage.Record
		err := item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &r)
		})
		if err != nil {
			s.logger.Warn("skipping undecodable record",
				slog.String("key", string(item.Key())),
				slog.String("error", err.Error()))
			continue
		}
		if f.Matches(r) && !fn(item.KeyCopy(nil), r) {
			return
		}
	}
}
