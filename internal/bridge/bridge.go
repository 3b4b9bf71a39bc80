package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
)

// State is the bridge lifecycle. Everything after Active is terminal.
type State uint32

const (
	StateAttaching State = iota
	StateActive
	// StateDetached: the client connection closed. The kernel is unaffected.
	StateDetached
	// StateStale: the kernel identity was stopped, restarted, or died. The
	// client gets exactly one terminal notification and must re-attach.
	StateStale
	// StateErrored: malformed traffic or an evicted broadcast observer.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateStale:
		return "stale"
	default:
		return "errored"
	}
}

// Options configures one bridge attachment. Client must allow concurrent
// Send calls; the websocket adapter in the api package does.
type Options struct {
	Registry *kernel.Registry
	KernelID string
	Channel  kernel.Channel
	Client   kernel.MessageConn
	Session  string
	Logger   *logging.Logger
	Metrics  *metrics.ServerMetrics
}

// Bridge relays one client connection against one (kernel, channel) pair.
// A bridge is bound to the kernel identity it attached to; it never follows
// a rebind to a successor identity.
type Bridge struct {
	kernelID string
	channel  kernel.Channel
	session  string
	client   kernel.MessageConn
	registry *kernel.Registry
	logger   *logging.Logger
	metrics  *metrics.ServerMetrics

	controlConn kernel.MessageConn
	sub         *kernel.Subscription
	cancelSub   func()

	state      atomic.Uint32
	finishOnce sync.Once
	reasonMu   sync.Mutex
	reason     error
	done       chan struct{}
}

// Attach validates the kernel identity, opens the kernel-side resources for
// the requested channel, and returns an Active bridge. The caller drives it
// with Run. Fails with kernel.ErrUnknownKernel when the identity is not live.
func Attach(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("bridge attach: nil client connection")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}

	k, err := opts.Registry.Get(opts.KernelID)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		kernelID: opts.KernelID,
		channel:  opts.Channel,
		session:  opts.Session,
		client:   opts.Client,
		registry: opts.Registry,
		logger:   logger,
		metrics:  opts.Metrics,
		done:     make(chan struct{}),
	}
	b.state.Store(uint32(StateAttaching))

	switch opts.Channel {
	case kernel.ChannelControl:
		conn, err := k.DialControl(ctx)
		if err != nil {
			return nil, err
		}
		b.controlConn = conn
	case kernel.ChannelBroadcast:
		b.sub, b.cancelSub = k.Broadcast().Subscribe()
	default:
		return nil, fmt.Errorf("bridge attach: unknown channel %q", opts.Channel)
	}

	b.state.Store(uint32(StateActive))
	if b.metrics != nil {
		b.metrics.BridgesActive.WithLabelValues(string(b.channel)).Inc()
	}
	logger.Debug("bridge attached", map[string]string{
		"kernel_id": b.kernelID,
		"channel":   string(b.channel),
		"session":   b.session,
	})
	return b, nil
}

// Run relays until the bridge reaches a terminal state. It returns with both
// sides released; the client connection itself is left for the caller to
// close.
func (b *Bridge) Run() {
	switch b.channel {
	case kernel.ChannelControl:
		b.runControl()
	default:
		b.runBroadcast()
	}
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Reason is the error behind a Stale or Errored terminal state, nil for a
// plain detach.
func (b *Bridge) Reason() error {
	b.reasonMu.Lock()
	defer b.reasonMu.Unlock()
	return b.reason
}

// Done is closed once the bridge reaches a terminal state.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) runControl() {
	var wg sync.WaitGroup
	wg.Add(1)

	// Client requests forward to the kernel stamped with the bridge session;
	// replies come back on the loop below, to this client only.
	go func() {
		defer wg.Done()
		for {
			msg, err := b.client.Receive()
			if err != nil {
				if errors.Is(err, kernel.ErrStreamProtocol) {
					b.finish(StateErrored, err)
				} else {
					b.finish(StateDetached, nil)
				}
				_ = b.controlConn.Close()
				return
			}
			if b.metrics != nil {
				b.metrics.ControlRequestsTotal.Inc()
			}
			if err := b.controlConn.Send(msg.Stamped(b.session)); err != nil {
				b.finishKernelSide(err)
				return
			}
		}
	}()

	for {
		msg, err := b.controlConn.Receive()
		if err != nil {
			b.finishKernelSide(err)
			break
		}
		if err := b.client.Send(msg); err != nil {
			b.finish(StateDetached, nil)
			break
		}
	}
	_ = b.controlConn.Close()
	wg.Wait()
}

func (b *Bridge) runBroadcast() {
	var wg sync.WaitGroup
	wg.Add(1)

	// The client is read only to notice disconnection. Messages a client
	// sends on the broadcast channel are dropped, not forwarded.
	go func() {
		defer wg.Done()
		for {
			_, err := b.client.Receive()
			if err != nil {
				if errors.Is(err, kernel.ErrStreamProtocol) {
					b.finish(StateErrored, err)
				} else {
					b.finish(StateDetached, nil)
				}
				b.cancelSub()
				return
			}
		}
	}()

	for msg := range b.sub.C {
		if err := b.client.Send(msg); err != nil {
			b.finish(StateDetached, nil)
			b.cancelSub()
			for range b.sub.C {
				// Drain so the fan-out never observes this queue as full.
			}
			break
		}
	}

	switch reason := b.sub.Err(); {
	case errors.Is(reason, kernel.ErrResourceExhausted):
		if b.metrics != nil {
			b.metrics.ObserverEvictionsTotal.Inc()
		}
		b.finish(StateErrored, reason)
	case errors.Is(reason, kernel.ErrKernelStale):
		b.finish(StateStale, reason)
	default:
		b.finish(StateDetached, nil)
	}
	wg.Wait()
}

// finishKernelSide classifies a kernel-side stream failure: teardown of the
// identity means Stale, malformed traffic means Errored.
func (b *Bridge) finishKernelSide(err error) {
	switch {
	case errors.Is(err, kernel.ErrStreamProtocol):
		b.finish(StateErrored, err)
	case b.registry.IsAlive(b.kernelID):
		b.finish(StateErrored, fmt.Errorf("%w: control stream broke while kernel alive: %v", kernel.ErrStreamProtocol, err))
	default:
		b.finish(StateStale, kernel.ErrKernelStale)
	}
}

// finish records the single terminal transition. Stale and Errored bridges
// tell their client why before detaching; a detached client is gone and gets
// nothing.
func (b *Bridge) finish(state State, reason error) {
	b.finishOnce.Do(func() {
		b.state.Store(uint32(state))
		b.reasonMu.Lock()
		b.reason = reason
		b.reasonMu.Unlock()

		if state == StateStale || state == StateErrored {
			b.sendClosedNotice(state, reason)
		}

		if b.metrics != nil {
			b.metrics.BridgesActive.WithLabelValues(string(b.channel)).Dec()
			b.metrics.BridgesClosedTotal.WithLabelValues(string(b.channel), state.String()).Inc()
		}
		fields := map[string]string{
			"kernel_id": b.kernelID,
			"channel":   string(b.channel),
			"state":     state.String(),
		}
		if reason != nil {
			fields["reason"] = reason.Error()
		}
		b.logger.Debug("bridge closed", fields)
		close(b.done)
	})
}

type closedNotice struct {
	Reason   string `json:"reason"`
	KernelID string `json:"kernel_id"`
}

func (b *Bridge) sendClosedNotice(state State, reason error) {
	noticeReason := "stale"
	switch {
	case errors.Is(reason, kernel.ErrResourceExhausted):
		noticeReason = "resource_exhausted"
	case state == StateErrored:
		noticeReason = "protocol_error"
	}
	content, err := json.Marshal(closedNotice{Reason: noticeReason, KernelID: b.kernelID})
	if err != nil {
		return
	}
	_ = b.client.Send(kernel.Message{
		Header: kernel.Header{
			MessageID: uuid.NewString(),
			Type:      "stream_closed",
		},
		Content: content,
	})
}
