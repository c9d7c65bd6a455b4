// Package store persists the dependency graph and the per-file diagnostics
// of a site between runs. The state lives in a single bbolt file with one
// bucket per kind of record, each record JSON encoded under its path.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/conneroisu/quire/internal/depgraph"
	qerrors "github.com/conneroisu/quire/internal/errors"
)

const (
	bucketImports     = "imports"
	bucketDiagnostics = "diagnostics"
	bucketMeta        = "meta"
)

// SchemaVersion is bumped whenever the layout of a record changes. A state
// file written with another version is discarded on open.
const SchemaVersion = "1"

var schemaKey = []byte("schema")

var initDB = map[string]func(*bolt.Tx) error{
	"create imports bucket": func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketImports))
		return err
	},
	"create diagnostics bucket": func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketDiagnostics))
		return err
	},
	"create meta bucket": func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		return err
	},
}

// Store is an open state file.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the state file at path. A file written by an
// incompatible version is reset.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, qerrors.WrapIO(err, qerrors.ErrCodeStateUnavailable, "cannot create state directory").WithLocation(path, 0, 0)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, qerrors.WrapIO(err, qerrors.ErrCodeStateUnavailable, "cannot open state file").WithLocation(path, 0, 0)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if meta := tx.Bucket([]byte(bucketMeta)); meta != nil {
			if v := meta.Get(schemaKey); string(v) != SchemaVersion {
				for _, name := range []string{bucketImports, bucketDiagnostics, bucketMeta} {
					if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
						return err
					}
				}
			}
		}
		for _, fn := range initDB {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(bucketMeta)).Put(schemaKey, []byte(SchemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, qerrors.WrapIO(err, qerrors.ErrCodeStateUnavailable, "cannot initialize state file").WithLocation(path, 0, 0)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the location of the state file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the state file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveGraph replaces the stored dependency edges with entries.
func (s *Store) SaveGraph(entries []depgraph.Entry) error {
	return s.replace(bucketImports, len(entries), func(i int) (string, interface{}) {
		return entries[i].Path, entries[i]
	})
}

// LoadGraph returns the stored dependency edges ordered by path.
func (s *Store) LoadGraph() ([]depgraph.Entry, error) {
	var entries []depgraph.Entry
	err := s.each(bucketImports, func(data []byte) error {
		var e depgraph.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// SaveDiagnostics replaces the stored diagnostics with entries.
func (s *Store) SaveDiagnostics(entries []qerrors.Entry) error {
	return s.replace(bucketDiagnostics, len(entries), func(i int) (string, interface{}) {
		return entries[i].Path, entries[i]
	})
}

// LoadDiagnostics returns the stored diagnostics ordered by path.
func (s *Store) LoadDiagnostics() ([]qerrors.Entry, error) {
	var entries []qerrors.Entry
	err := s.each(bucketDiagnostics, func(data []byte) error {
		var e qerrors.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// replace empties bucket and writes n records in one transaction.
func (s *Store) replace(bucket string, n int, record func(int) (string, interface{})) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucket))
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			key, value := record(i)
			data, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return qerrors.WrapIO(err, qerrors.ErrCodeStateUnavailable, "cannot write "+bucket).WithLocation(s.path, 0, 0)
	}
	return nil
}

// each calls fn for every record of bucket in key order.
func (s *Store) each(bucket string, fn func([]byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
	if err != nil {
		return qerrors.WrapIO(err, qerrors.ErrCodeStateUnavailable, "cannot read "+bucket).WithLocation(s.path, 0, 0)
	}
	return nil
}
