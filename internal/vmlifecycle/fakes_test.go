package vmlifecycle

import (
	"context"
	"sync"

	"github.com/aledbf/qemubox/internal/process"
)

// fakeHandle is a controllable process.Handle for driving VmLifecycle
// through scenarios without a real QEMU child.
type fakeHandle struct {
	mu      sync.Mutex
	running bool
	started bool
	events  chan process.Event
	killed  chan struct{}
	done    chan struct{}
	code    int

	startErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		events: make(chan process.Event, 16),
		killed: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (f *fakeHandle) Start(_ context.Context, _ []string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.started = true
	f.mu.Unlock()
	f.events <- process.Event{Kind: process.EventStarted}
	return nil
}

func (f *fakeHandle) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakeHandle) Kill() error {
	f.mu.Lock()
	alreadyDone := !f.running
	f.running = false
	f.mu.Unlock()

	select {
	case f.killed <- struct{}{}:
	default:
	}
	if !alreadyDone {
		f.finish(137)
	}
	return nil
}

// finish simulates the child exiting with the given code, pushing a
// finished event and unblocking WaitForFinished.
func (f *fakeHandle) finish(code int) {
	f.mu.Lock()
	if !f.running && f.code != 0 {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.code = code
	f.mu.Unlock()

	select {
	case <-f.done:
		return
	default:
	}
	f.events <- process.Event{Kind: process.EventFinished, ExitCode: code}
	close(f.done)
}

func (f *fakeHandle) WaitForFinished() (int, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, nil
}

func (f *fakeHandle) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeHandle) Events() <-chan process.Event {
	return f.events
}

// fakeFactory builds a fresh fakeHandle on each New call and keeps the most
// recent one so tests can drive it after Start is called.
type fakeFactory struct {
	mu     sync.Mutex
	handle *fakeHandle
}

func (ff *fakeFactory) New(_ string, _ []string) Handle {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.handle = newFakeHandle()
	return ff.handle
}

func (ff *fakeFactory) last() *fakeHandle {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.handle
}

// fakeMetadataStore is an in-memory VmMetadataStore.
type fakeMetadataStore struct {
	mu   sync.Mutex
	data map[string]Metadata
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{data: make(map[string]Metadata)}
}

func (s *fakeMetadataStore) Load(_ context.Context, vmName string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A miss returns a zero Metadata, as the VmMetadataStore contract says.
	return s.data[vmName], nil
}

func (s *fakeMetadataStore) Save(_ context.Context, vmName string, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[vmName] = md
	return nil
}

// fakeMonitor records StatusMonitor callbacks for assertions.
type fakeMonitor struct {
	mu       sync.Mutex
	resumed  int
	restarted int
	suspended int
	shutdown  int
}

func (m *fakeMonitor) OnResume(_ context.Context, _ string) {
	m.mu.Lock()
	m.resumed++
	m.mu.Unlock()
}

func (m *fakeMonitor) OnRestart(_ context.Context, _ string) {
	m.mu.Lock()
	m.restarted++
	m.mu.Unlock()
}

func (m *fakeMonitor) OnSuspend(_ context.Context, _ string) {
	m.mu.Lock()
	m.suspended++
	m.mu.Unlock()
}

func (m *fakeMonitor) OnShutdown(_ context.Context, _ string) {
	m.mu.Lock()
	m.shutdown++
	m.mu.Unlock()
}

func (m *fakeMonitor) counts() (resumed, restarted, suspended, shutdown int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumed, m.restarted, m.suspended, m.shutdown
}

// fakeDhcp resolves every MAC to a fixed address, or fails if unset.
type fakeDhcp struct {
	ip  string
	err error
}

func (d *fakeDhcp) GetIPFor(_ context.Context, _ string) (string, error) {
	return d.ip, d.err
}
