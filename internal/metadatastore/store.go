// Package metadatastore provides a bbolt-backed implementation of the C4
// VmMetadataStore collaborator: per-VM JSON metadata keyed by VM name, all
// VMs sharing one on-disk database file.
package metadatastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"

	"github.com/aledbf/qemubox/internal/vmlifecycle"
)

var bucketName = []byte("vm_metadata")

// Store is a bbolt-backed vmlifecycle.VmMetadataStore. A miss returns a
// zero Metadata rather than an error, matching the collaborator's reading
// policy (absent metadata defaults are applied by the caller).
type Store struct {
	db    *bolt.DB
	owned bool
}

// Open opens (creating if necessary) a bbolt database at dbPath, owned
// exclusively by this Store, and ensures the metadata bucket exists. Use
// OpenWith instead when a bolt.DB handle is already shared with other
// buckets (e.g. statusmonitor) in the same process.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("metadatastore: create db dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open db: %w", err)
	}

	store, err := OpenWith(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// OpenWith wraps an already-open bolt.DB, creating the metadata bucket if
// necessary. The caller remains responsible for closing db.
func OpenWith(db *bolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("metadatastore: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

var _ vmlifecycle.VmMetadataStore = (*Store)(nil)

// Load returns the persisted metadata for vmName, or a zero Metadata if
// none has been written yet.
func (s *Store) Load(_ context.Context, vmName string) (vmlifecycle.Metadata, error) {
	var md vmlifecycle.Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(vmName))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &md)
	})
	if err != nil {
		return vmlifecycle.Metadata{}, fmt.Errorf("metadatastore: load %s: %w", vmName, err)
	}
	return md, nil
}

// Save persists md for vmName, always writing the latest command version
// per the VM metadata writing policy (§3).
func (s *Store) Save(_ context.Context, vmName string, md vmlifecycle.Metadata) error {
	md.VMCommandVersion = vmlifecycle.LatestCommandVersion

	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal %s: %w", vmName, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(vmName), data)
	})
}

// Delete removes any persisted metadata for vmName. Absence is not an error.
func (s *Store) Delete(_ context.Context, vmName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(vmName))
	})
}

// Close releases the underlying database handle, if this Store owns it
// (i.e. it was constructed via Open rather than OpenWith).
func (s *Store) Close() error {
	if s.db == nil || !s.owned {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: metadatastore close", errdefs.ErrUnavailable)
	}
	return nil
}
