package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"kernelhub/internal/kernel"
)

type fakeProcess struct {
	endpoints kernel.Endpoints
	done      chan struct{}
	exitOnce  sync.Once
}

func (p *fakeProcess) Endpoints() kernel.Endpoints { return p.endpoints }

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Interrupt() error { return nil }

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		close(p.done)
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, argv []string) (kernel.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.procs) + 1
	proc := &fakeProcess{
		endpoints: kernel.Endpoints{
			Control:   fmt.Sprintf("control-%d", n),
			Broadcast: fmt.Sprintf("broadcast-%d", n),
			Heartbeat: fmt.Sprintf("heartbeat-%d", n),
		},
		done: make(chan struct{}),
	}
	l.procs = append(l.procs, proc)
	return proc, nil
}

type fakeConn struct {
	in        chan kernel.Message
	peer      *fakeConn
	closed    chan struct{}
	closeOnce sync.Once

	// recvErr, when set, is returned by the next Receive in place of
	// blocking; used to simulate malformed client traffic.
	mu      sync.Mutex
	recvErr error
}

func newConnPair() (*fakeConn, *fakeConn) {
	a := &fakeConn{in: make(chan kernel.Message, 64), closed: make(chan struct{})}
	b := &fakeConn{in: make(chan kernel.Message, 64), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *fakeConn) Send(msg kernel.Message) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.peer.closed:
		return net.ErrClosed
	case c.peer.in <- msg:
		return nil
	}
}

func (c *fakeConn) Receive() (kernel.Message, error) {
	c.mu.Lock()
	if err := c.recvErr; err != nil {
		c.recvErr = nil
		c.mu.Unlock()
		return kernel.Message{}, err
	}
	c.mu.Unlock()

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return kernel.Message{}, net.ErrClosed
	case <-c.peer.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
		}
		return kernel.Message{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) failNextReceive(err error) {
	c.mu.Lock()
	c.recvErr = err
	c.mu.Unlock()
}

type fakeTransport struct {
	mu   sync.Mutex
	ends map[string][]*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ends: make(map[string][]*fakeConn)}
}

func (t *fakeTransport) Dial(ctx context.Context, endpoint string) (kernel.MessageConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	server, kernelEnd := newConnPair()
	t.ends[endpoint] = append(t.ends[endpoint], kernelEnd)
	return server, nil
}

func (t *fakeTransport) kernelEnd(endpoint string) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	ends := t.ends[endpoint]
	if len(ends) == 0 {
		return nil
	}
	return ends[len(ends)-1]
}

type bridgeFixture struct {
	registry  *kernel.Registry
	transport *fakeTransport
	kernelID  string
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	transport := newFakeTransport()
	registry := kernel.NewRegistry(kernel.RegistryOptions{
		Launcher:       &fakeLauncher{},
		Transport:      transport,
		StopGrace:      200 * time.Millisecond,
		BroadcastQueue: 8,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		registry.StopAll(ctx)
	})

	id, err := registry.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	return &bridgeFixture{registry: registry, transport: transport, kernelID: id}
}

// attach opens a bridge for the fixture kernel and starts Run in the
// background. The returned conn is the client's end.
func (f *bridgeFixture) attach(t *testing.T, channel kernel.Channel, session string) (*Bridge, *fakeConn) {
	t.Helper()
	clientEnd, serverEnd := newConnPair()
	b, err := Attach(context.Background(), Options{
		Registry: f.registry,
		KernelID: f.kernelID,
		Channel:  channel,
		Client:   serverEnd,
		Session:  session,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	go b.Run()
	return b, clientEnd
}

func receiveMessage(t *testing.T, conn *fakeConn) kernel.Message {
	t.Helper()
	type result struct {
		msg kernel.Message
		err error
	}
	results := make(chan result, 1)
	go func() {
		msg, err := conn.Receive()
		results <- result{msg, err}
	}()
	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("receive: %v", r.err)
		}
		return r.msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message")
		return kernel.Message{}
	}
}

func waitTerminal(t *testing.T, b *Bridge) State {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for bridge to finish, state %s", b.State())
	}
	return b.State()
}

func testMessage(id, msgType string) kernel.Message {
	return kernel.Message{
		Header:  kernel.Header{MessageID: id, Type: msgType},
		Content: []byte(`{}`),
	}
}
