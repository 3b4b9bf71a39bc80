package kernel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
)

// Kernel is the server-side handle for one live kernel identity: the process,
// its channel endpoints, the broadcast fan-out, and every control connection
// handed out to a bridge. A restart never reuses a Kernel; it makes a new one
// under a new identity.
type Kernel struct {
	id        string
	createdAt time.Time
	overrides []string

	process   Process
	transport Transport
	bcast     *Broadcaster
	logger    *logging.Logger
	metrics   *metrics.ServerMetrics

	mu           sync.Mutex
	controlConns map[uint64]MessageConn
	nextConnID   uint64
	closed       bool

	broadcastConn MessageConn
	stopRequested atomic.Bool
	teardownOnce  sync.Once
	teardownErr   error
}

func newKernel(id string, overrides []string, proc Process, broadcastConn MessageConn, transport Transport, queueSize int, logger *logging.Logger, serverMetrics *metrics.ServerMetrics) *Kernel {
	overridesCopy := make([]string, len(overrides))
	copy(overridesCopy, overrides)
	return &Kernel{
		id:            id,
		createdAt:     time.Now().UTC(),
		overrides:     overridesCopy,
		process:       proc,
		transport:     transport,
		bcast:         NewBroadcaster(queueSize),
		logger:        logger,
		metrics:       serverMetrics,
		controlConns:  make(map[uint64]MessageConn),
		broadcastConn: broadcastConn,
	}
}

func (k *Kernel) ID() string {
	return k.id
}

func (k *Kernel) CreatedAt() time.Time {
	return k.createdAt
}

func (k *Kernel) Endpoints() Endpoints {
	return k.process.Endpoints()
}

// Overrides returns the argv overrides the kernel was started with, so a
// restart can reproduce them.
func (k *Kernel) Overrides() []string {
	out := make([]string, len(k.overrides))
	copy(out, k.overrides)
	return out
}

// Broadcast exposes the fan-out for bridge subscriptions.
func (k *Kernel) Broadcast() *Broadcaster {
	return k.bcast
}

// DialControl opens a dedicated control-channel connection for one bridge.
// The connection is tracked so kernel teardown closes it, which is how
// control bridges observe staleness.
func (k *Kernel) DialControl(ctx context.Context) (MessageConn, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrUnknownKernel
	}
	k.mu.Unlock()

	conn, err := k.transport.Dial(ctx, k.Endpoints().Control)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		_ = conn.Close()
		return nil, ErrUnknownKernel
	}
	k.nextConnID++
	id := k.nextConnID
	k.controlConns[id] = conn
	k.mu.Unlock()

	return &trackedConn{MessageConn: conn, kernel: k, id: id}, nil
}

func (k *Kernel) releaseControlConn(id uint64) {
	k.mu.Lock()
	delete(k.controlConns, id)
	k.mu.Unlock()
}

// pumpBroadcast relays the kernel's broadcast endpoint into the fan-out until
// the connection ends. Closing the fan-out on exit is what turns a broken
// kernel-side stream into observer staleness.
func (k *Kernel) pumpBroadcast() {
	defer k.bcast.Close()
	for {
		msg, err := k.broadcastConn.Receive()
		if err != nil {
			if !k.stopRequested.Load() && !errors.Is(err, net.ErrClosed) {
				k.logger.Debug("kernel broadcast stream ended", map[string]string{
					"kernel_id": k.id,
					"error":     err.Error(),
				})
			}
			return
		}
		if k.metrics != nil {
			k.metrics.BroadcastMessagesTotal.Inc()
		}
		k.bcast.Publish(msg)
	}
}

// shutdown tears down every resource the kernel owns: the fan-out, the
// kernel-side connections, and the process. Safe to call more than once.
func (k *Kernel) shutdown(ctx context.Context) error {
	k.teardownOnce.Do(func() {
		k.mu.Lock()
		k.closed = true
		conns := make([]MessageConn, 0, len(k.controlConns))
		for id, conn := range k.controlConns {
			delete(k.controlConns, id)
			conns = append(conns, conn)
		}
		k.mu.Unlock()

		k.bcast.Close()
		if k.broadcastConn != nil {
			_ = k.broadcastConn.Close()
		}
		for _, conn := range conns {
			_ = conn.Close()
		}
		k.teardownErr = k.process.Stop(ctx)
	})
	return k.teardownErr
}

func (k *Kernel) alive() bool {
	select {
	case <-k.process.Done():
		return false
	default:
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.closed
}

// trackedConn unregisters itself from the kernel's control-connection set on
// close so teardown never iterates dead connections.
type trackedConn struct {
	MessageConn
	kernel    *Kernel
	id        uint64
	closeOnce sync.Once
	closeErr  error
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.kernel.releaseControlConn(c.id)
		c.closeErr = c.MessageConn.Close()
	})
	return c.closeErr
}
