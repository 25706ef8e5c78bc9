// Package statusmonitor provides a default StatusMonitor collaborator (C5):
// it logs each lifecycle callback and persists the corresponding state into
// a bbolt bucket separate from the VM's command-version metadata, so the
// last-known state survives a process restart of the controller itself.
package statusmonitor

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"

	"github.com/aledbf/qemubox/internal/vmlifecycle"
)

var bucketName = []byte("vm_status")

// Monitor is a bbolt-backed vmlifecycle.StatusMonitor.
type Monitor struct {
	db    *bolt.DB
	owned bool
}

// Open opens (creating if necessary) its own bbolt database at dbPath. Use
// OpenWith instead when a bolt.DB handle is already shared with other
// buckets (e.g. metadatastore) in the same process.
func Open(dbPath string) (*Monitor, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("statusmonitor: open db: %w", err)
	}
	m, err := OpenWith(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.owned = true
	return m, nil
}

// OpenWith wraps an already-open bolt.DB, creating the status bucket if
// necessary. The caller remains responsible for closing db.
func OpenWith(db *bolt.DB) (*Monitor, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("statusmonitor: create bucket: %w", err)
	}
	return &Monitor{db: db}, nil
}

var _ vmlifecycle.StatusMonitor = (*Monitor)(nil)

func (m *Monitor) OnResume(ctx context.Context, vmName string) {
	m.record(ctx, vmName, vmlifecycle.StateStarting)
}

func (m *Monitor) OnRestart(ctx context.Context, vmName string) {
	m.record(ctx, vmName, vmlifecycle.StateRestarting)
}

func (m *Monitor) OnSuspend(ctx context.Context, vmName string) {
	m.record(ctx, vmName, vmlifecycle.StateSuspended)
}

func (m *Monitor) OnShutdown(ctx context.Context, vmName string) {
	m.record(ctx, vmName, vmlifecycle.StateOff)
}

func (m *Monitor) record(ctx context.Context, vmName string, state vmlifecycle.State) {
	logger := log.G(ctx).WithFields(log.Fields{"vm": vmName, "state": state.String()})

	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(vmName), []byte(state.String()))
	})
	if err != nil {
		logger.WithError(err).Warn("statusmonitor: failed to persist state")
		return
	}
	logger.Debug("statusmonitor: state persisted")
}

// Last returns the last state statusmonitor observed for vmName, or
// vmlifecycle.StateUnknown if none was ever recorded.
func (m *Monitor) Last(vmName string) vmlifecycle.State {
	var raw []byte
	_ = m.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(vmName)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	for s := vmlifecycle.StateOff; s <= vmlifecycle.StateUnknown; s++ {
		if s.String() == string(raw) {
			return s
		}
	}
	return vmlifecycle.StateUnknown
}

// Close releases the underlying database handle, if this Monitor owns it
// (i.e. it was constructed via Open rather than OpenWith).
func (m *Monitor) Close() error {
	if m.db == nil || !m.owned {
		return nil
	}
	return m.db.Close()
}
