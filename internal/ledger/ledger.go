// Package ledger records index ranges that were given up after exhausting retries.
package ledger

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("dropped_ranges")

// DroppedRange is a half-open range [Start, End) of a log that was never fetched.
type DroppedRange struct {
	LogURL string    `json:"log_url"`
	Start  uint64    `json:"start"`
	End    uint64    `json:"end"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// Len returns the number of entries in the range.
func (r DroppedRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Ledger is a bbolt file holding one bucket per log URL, keyed by big-endian range start.
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger at path. readOnly opens a shared lock so the file can be
// inspected while no writer holds it.
func Open(path string, readOnly bool) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(rootBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise ledger: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

func rangeKey(start uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, start)
	return key
}

// Record stores r. A later record with the same log and start replaces the earlier one.
func (l *Ledger) Record(r DroppedRange) error {
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	value, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return errors.New("ledger not initialised")
		}
		logBucket, err := root.CreateBucketIfNotExists([]byte(r.LogURL))
		if err != nil {
			return err
		}
		return logBucket.Put(rangeKey(r.Start), value)
	})
}

// List returns recorded ranges ordered by log and start. An empty logURL lists every log.
func (l *Ledger) List(logURL string) ([]DroppedRange, error) {
	var out []DroppedRange
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		collect := func(b *bolt.Bucket) error {
			return b.ForEach(func(_, v []byte) error {
				var r DroppedRange
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("corrupt ledger entry: %w", err)
				}
				out = append(out, r)
				return nil
			})
		}
		if logURL != "" {
			b := root.Bucket([]byte(logURL))
			if b == nil {
				return nil
			}
			return collect(b)
		}
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			return collect(root.Bucket(name))
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LogURL != out[j].LogURL {
			return out[i].LogURL < out[j].LogURL
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
