package qmp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

// defaultCommandTimeout is used when a Client is constructed without an
// explicit SetCommandTimeout call.
const defaultCommandTimeout = 5 * time.Second

// socketWaitInterval is how often Client polls for the QMP socket to appear
// after the QEMU process has been spawned but before it has bound the socket.
const socketWaitInterval = 50 * time.Millisecond

// EventHandler observes one decoded asynchronous QMP event. It must not
// block; long-running reactions should hand off to another goroutine.
type EventHandler func(msg *Message)

// Client is a QMP client bound to a single QEMU instance's Unix control
// socket. It owns a background goroutine that decodes events and dispatches
// them to the registered EventHandler until Close is called.
//
// Thread safety: Client is safe for concurrent use. Commands are serialized
// by the underlying SocketMonitor; the closed flag is atomic.
type Client struct {
	monitor *qmpapi.SocketMonitor
	events  <-chan qmpapi.Event

	mu             sync.Mutex
	commandTimeout time.Duration
	closed         atomic.Bool
	eventLoopDone  chan struct{}

	onEvent EventHandler
}

// Dial waits for socketPath to appear (QEMU creates it asynchronously after
// spawn), connects, and performs the qmp_capabilities handshake. The
// returned Client owns a background event-loop goroutine; callers must call
// Close to release it.
func Dial(ctx context.Context, socketPath string, waitTimeout time.Duration, onEvent EventHandler) (*Client, error) {
	if err := waitForSocket(ctx, socketPath, waitTimeout); err != nil {
		return nil, fmt.Errorf("qmp: socket not available: %w", err)
	}

	monitor, err := qmpapi.NewSocketMonitor("unix", socketPath, defaultCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("qmp: connect %s: %w", socketPath, err)
	}

	if err := monitor.Connect(); err != nil {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("qmp: negotiate capabilities: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"major": monitor.Version.QEMU.Major,
		"minor": monitor.Version.QEMU.Minor,
		"micro": monitor.Version.QEMU.Micro,
	}).Debug("qmp: connected")

	eventCtx := context.WithoutCancel(ctx)
	events, err := monitor.Events(eventCtx)
	if err != nil && !errors.Is(err, qmpapi.ErrEventsNotSupported) {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("qmp: subscribe to events: %w", err)
	}

	c := &Client{
		monitor:        monitor,
		events:         events,
		commandTimeout: defaultCommandTimeout,
		eventLoopDone:  make(chan struct{}),
		onEvent:        onEvent,
	}

	go c.eventLoop(eventCtx)

	return c, nil
}

// SetCommandTimeout overrides the per-command response timeout (default 5s).
func (c *Client) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandTimeout = d
}

func (c *Client) getCommandTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandTimeout <= 0 {
		return defaultCommandTimeout
	}
	return c.commandTimeout
}

// Execute sends a command and waits for its response.
func (c *Client) Execute(ctx context.Context, cmd string, args map[string]any) (*Message, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("qmp: client closed")
	}

	payload, err := Encode(cmd, args)
	if err != nil {
		return nil, err
	}

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := c.monitor.Run(payload)
		done <- result{raw, err}
	}()

	timeout := c.getCommandTimeout()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("qmp: %s: %w", cmd, r.err)
		}
		msg, err := Decode(r.raw)
		if err != nil {
			return nil, fmt.Errorf("qmp: %s: %w", cmd, err)
		}
		if msg.Err != nil {
			return nil, fmt.Errorf("qmp: %s: %w", cmd, msg.Err)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("qmp: %s: timeout after %s", cmd, timeout)
	}
}

// HMC runs a human monitor command and waits for its response.
func (c *Client) HMC(ctx context.Context, line string) error {
	_, err := c.Execute(ctx, "human-monitor-command", map[string]any{"command-line": line})
	return err
}

// eventLoop decodes asynchronous QMP events and dispatches recognised and
// unrecognised ones alike to onEvent; the caller is responsible for
// filtering on Message.Event per spec §4.1 ("ignore unknown events").
func (c *Client) eventLoop(ctx context.Context) {
	defer close(c.eventLoopDone)

	if c.events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if c.closed.Load() {
				return
			}

			msg := &Message{
				Event:    recognisedEvents[ev.Event],
				RawEvent: ev.Event,
				Data:     ev.Data,
			}
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		}
	}
}

// Close disconnects the monitor and waits briefly for the event loop to
// exit. Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if c.monitor != nil {
		err = c.monitor.Disconnect()
	}

	select {
	case <-c.eventLoopDone:
	case <-time.After(100 * time.Millisecond):
	}

	return err
}

func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	startedAt := nowFunc()
	ticker := time.NewTicker(socketWaitInterval)
	defer ticker.Stop()

	for {
		if nowFunc().Sub(startedAt) > timeout {
			return fmt.Errorf("timeout waiting for socket: %s", socketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if statExists(socketPath) {
				return nil
			}
		}
	}
}
