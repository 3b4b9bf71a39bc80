package routing

import (
	"context"
	"fmt"
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
	err   error
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, argv []string) (kernel.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
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

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// nullConn discards sends and blocks receives until closed. Routing tests
// never exercise message traffic.
type nullConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *nullConn) Send(kernel.Message) error {
	return nil
}

func (c *nullConn) Receive() (kernel.Message, error) {
	<-c.closed
	return kernel.Message{}, context.Canceled
}

func (c *nullConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

type nullTransport struct{}

func (nullTransport) Dial(ctx context.Context, endpoint string) (kernel.MessageConn, error) {
	return &nullConn{closed: make(chan struct{})}, nil
}

func newTestTable(t *testing.T) (*Table, *fakeLauncher, *kernel.Registry) {
	t.Helper()
	launcher := &fakeLauncher{}
	registry := kernel.NewRegistry(kernel.RegistryOptions{
		Launcher:  launcher,
		Transport: nullTransport{},
		StopGrace: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		registry.StopAll(ctx)
	})
	return NewTable(registry, nil), launcher, registry
}
