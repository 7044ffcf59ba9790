// Package datastore implements the persistent host-status store (C9): a
// single-file append-only log of HostStatus YAML blobs with a monotonic row
// id, opened in either temporary or persistent mode.
//
// Grounded directly on original_source/src/datastore.rs. The original is
// backed by sqlite; this module uses go.etcd.io/bbolt instead, a pure-Go
// embedded KV store, since no CGO sqlite driver is available in this
// lineage's toolchain target (see DESIGN.md for the substitution
// rationale). The row-id/append/promote/close semantics are reproduced
// exactly, including WriteToClosedDatastore and the no-op-on-unchanged
// optimization in WithHostStatus.
package datastore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

var bucketName = []byte("hoststatus")

// DataStore owns the bbolt handle plus the current in-memory HostStatus.
// A nil db (after Close) makes every subsequent write fail with
// WriteToClosedDatastore, matching the original's Option<Connection> field.
type DataStore struct {
	db         *bolt.DB
	hostStatus types.HostStatus
	temporary  bool
}

// OpenTemporary opens (or creates) the well-known temporary datastore used
// while booted from installer media.
func OpenTemporary(path string) (*DataStore, error) {
	if _, err := os.Stat(path); err == nil {
		ds, err := Open(path)
		if err != nil {
			return nil, err
		}
		ds.temporary = true
		return ds, nil
	}

	db, err := makeDatastore(path)
	if err != nil {
		return nil, err
	}
	return &DataStore{db: db, hostStatus: types.NewHostStatus(), temporary: true}, nil
}

// Open loads an existing (or freshly created) persistent datastore and
// hydrates the in-memory HostStatus from its newest row.
func Open(path string) (*DataStore, error) {
	db, err := makeDatastore(path)
	if err != nil {
		return nil, err
	}

	status := types.NewHostStatus()
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return nil
		}
		var loaded types.HostStatus
		if err := yaml.Unmarshal(v, &loaded); err != nil {
			return err
		}
		status = loaded
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, elementalError.WrapDatastore(err, "failed to read newest host status row")
	}

	return &DataStore{db: db, hostStatus: status, temporary: false}, nil
}

func makeDatastore(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, elementalError.WrapDatastore(err, "failed to create datastore directory")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, elementalError.WrapDatastore(err, "failed to open datastore")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, elementalError.WrapDatastore(err, "failed to initialize datastore schema")
	}
	return db, nil
}

// IsPersistent reports whether this datastore is backed by its final
// on-disk location rather than the temporary installer-media path.
func (d *DataStore) IsPersistent() bool {
	return !d.temporary
}

// Persist promotes a temporary datastore to a persistent one at path: it
// creates the persistent store, writes the current HostStatus into it, and
// rebinds this DataStore's handle, exactly as the original's persist().
func (d *DataStore) Persist(path string) error {
	if !d.temporary {
		return nil
	}
	persistentDB, err := makeDatastore(path)
	if err != nil {
		return err
	}
	if err := writeHostStatus(persistentDB, d.hostStatus); err != nil {
		_ = persistentDB.Close()
		return err
	}
	if d.db != nil {
		_ = d.db.Close()
	}
	d.db = persistentDB
	d.temporary = false
	return nil
}

func writeHostStatus(db *bolt.DB, status types.HostStatus) error {
	contents, err := yaml.Marshal(status)
	if err != nil {
		return elementalError.WrapInternal(err, "failed to serialize host status")
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		id, _ := b.NextSequence()
		return b.Put(itob(id), contents)
	})
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// HostStatus returns the current in-memory snapshot.
func (d *DataStore) HostStatus() types.HostStatus {
	return d.hostStatus
}

// History returns every persisted HostStatus row, newest first. Grounded on
// Open's own newest-row read, but walking the full bucket via Cursor.Prev
// instead of stopping at Cursor.Last; used by the rollback chain builder,
// which needs the whole append-only history rather than just its tip.
func (d *DataStore) History() ([]*types.HostStatus, error) {
	if d.db == nil {
		return nil, elementalError.WrapDatastore(errWriteToClosedDatastore, "datastore is closed")
	}

	var history []*types.HostStatus
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var loaded types.HostStatus
			if err := yaml.Unmarshal(v, &loaded); err != nil {
				return err
			}
			history = append(history, &loaded)
		}
		return nil
	})
	if err != nil {
		return nil, elementalError.WrapDatastore(err, "failed to read host status history")
	}
	return history, nil
}

// WithHostStatus applies f to a clone of the current HostStatus; if the
// result differs from the original (reflect.DeepEqual), the new value is
// swapped in and flushed to the datastore. Mirrors the original's
// with_host_status/try_with_host_status no-op-on-unchanged optimization.
func WithHostStatus[T any](d *DataStore, f func(*types.HostStatus) T) (T, error) {
	return TryWithHostStatus(d, func(s *types.HostStatus) (T, error) {
		return f(s), nil
	})
}

// TryWithHostStatus is WithHostStatus's fallible form. The updated status
// is always written if it changed, even when f itself failed; the write's
// own error is only surfaced if f succeeded (servicing errors take
// priority over datastore errors).
func TryWithHostStatus[T any](d *DataStore, f func(*types.HostStatus) (T, error)) (T, error) {
	var zero T
	updated := d.hostStatus.Clone()
	ret, fErr := f(&updated)

	if reflect.DeepEqual(updated, d.hostStatus) {
		return ret, fErr
	}

	d.hostStatus = updated

	if d.db == nil {
		writeErr := elementalError.WrapDatastore(nil, "")
		_ = writeErr
		werr := elementalError.WrapDatastore(errWriteToClosedDatastore, "datastore is closed")
		if fErr == nil {
			return zero, werr
		}
		return ret, fErr
	}

	writeErr := writeHostStatus(d.db, d.hostStatus)
	if fErr == nil {
		if writeErr != nil {
			return zero, writeErr
		}
		return ret, nil
	}
	return ret, fErr
}

var errWriteToClosedDatastore = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "write to closed datastore" }

// Close releases the bbolt handle so the underlying partition can be
// unmounted. Subsequent writes fail with WriteToClosedDatastore.
func (d *DataStore) Close() {
	if d.db != nil {
		_ = d.db.Close()
		d.db = nil
	}
}
