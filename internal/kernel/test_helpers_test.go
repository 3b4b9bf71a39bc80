package kernel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	endpoints Endpoints
	done      chan struct{}
	exitOnce  sync.Once

	mu         sync.Mutex
	interrupts int
	stopCalls  int
}

func newFakeProcess(endpoints Endpoints) *fakeProcess {
	return &fakeProcess{
		endpoints: endpoints,
		done:      make(chan struct{}),
	}
}

func (p *fakeProcess) Endpoints() Endpoints { return p.endpoints }

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopCalls++
	p.mu.Unlock()
	p.exit()
	return nil
}

// exit simulates the process dying on its own.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		close(p.done)
	})
}

func (p *fakeProcess) interruptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
	argvs [][]string
}

func (l *fakeLauncher) Launch(ctx context.Context, argv []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	n := len(l.procs) + 1
	proc := newFakeProcess(Endpoints{
		Control:   fmt.Sprintf("control-%d", n),
		Broadcast: fmt.Sprintf("broadcast-%d", n),
		Heartbeat: fmt.Sprintf("heartbeat-%d", n),
	})
	argvCopy := make([]string, len(argv))
	copy(argvCopy, argv)
	l.procs = append(l.procs, proc)
	l.argvs = append(l.argvs, argvCopy)
	return proc, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) lastProc() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) lastArgv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.argvs) == 0 {
		return nil
	}
	return l.argvs[len(l.argvs)-1]
}

// fakeConn is one end of an in-process message pipe.
type fakeConn struct {
	in        chan Message
	peer      *fakeConn
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnPair() (*fakeConn, *fakeConn) {
	a := &fakeConn{in: make(chan Message, 64), closed: make(chan struct{})}
	b := &fakeConn{in: make(chan Message, 64), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *fakeConn) Send(msg Message) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.peer.closed:
		return net.ErrClosed
	case c.peer.in <- msg:
		return nil
	}
}

func (c *fakeConn) Receive() (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return Message{}, net.ErrClosed
	case <-c.peer.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
		}
		return Message{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// fakeTransport hands the server end of a pipe pair to the dialer and keeps
// the kernel end so tests can play the kernel side of each endpoint.
type fakeTransport struct {
	mu    sync.Mutex
	err   error
	ends  map[string][]*fakeConn
	dials int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ends: make(map[string][]*fakeConn)}
}

func (t *fakeTransport) Dial(ctx context.Context, endpoint string) (MessageConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.err != nil {
		return nil, t.err
	}
	server, kernelEnd := newConnPair()
	t.ends[endpoint] = append(t.ends[endpoint], kernelEnd)
	return server, nil
}

// kernelEnd returns the most recent kernel-side pipe for the endpoint.
func (t *fakeTransport) kernelEnd(endpoint string) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	ends := t.ends[endpoint]
	if len(ends) == 0 {
		return nil
	}
	return ends[len(ends)-1]
}

func newTestRegistry(t *testing.T, launcher *fakeLauncher, transport *fakeTransport) *Registry {
	t.Helper()
	reg := NewRegistry(RegistryOptions{
		Launcher:  launcher,
		Transport: transport,
		StopGrace: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.StopAll(ctx)
	})
	return reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func textMessage(id, msgType, body string) Message {
	return Message{
		Header:  Header{MessageID: id, Type: msgType},
		Content: []byte(fmt.Sprintf("%q", body)),
	}
}
