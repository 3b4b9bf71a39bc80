package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kernelhub/internal/action"
	"kernelhub/internal/bridge"
	"kernelhub/internal/event"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
	"kernelhub/internal/routing"
)

type fakeProcess struct {
	endpoints kernel.Endpoints
	done      chan struct{}
	exitOnce  sync.Once
	mu        sync.Mutex
	signals   int
}

func (p *fakeProcess) Endpoints() kernel.Endpoints { return p.endpoints }

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	p.signals++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.exitOnce.Do(func() {
		close(p.done)
	})
	return nil
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

type fakeConn struct {
	in        chan kernel.Message
	peer      *fakeConn
	closed    chan struct{}
	closeOnce sync.Once
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

func (t *fakeTransport) endCount(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ends[endpoint])
}

// echoControl answers every request on the kernel side of a control
// connection with a reply carrying the request's session and a derived id.
func echoControl(conn *fakeConn) {
	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			reply := kernel.Message{
				Header: kernel.Header{
					MessageID: "reply-" + msg.Header.MessageID,
					Session:   msg.Header.Session,
					Type:      "execute_reply",
				},
				Content: msg.Content,
			}
			if err := conn.Send(reply); err != nil {
				return
			}
		}
	}()
}

type serverFixture struct {
	server    *httptest.Server
	registry  *kernel.Registry
	routes    *routing.Table
	launcher  *fakeLauncher
	transport *fakeTransport
	events    *event.Bus[event.KernelEvent]
	logger    *logging.Logger
	authToken string
}

type fixtureOption func(*serverFixture)

func withAuthToken(token string) fixtureOption {
	return func(f *serverFixture) {
		f.authToken = token
	}
}

func newServerFixture(t *testing.T, opts ...fixtureOption) *serverFixture {
	t.Helper()
	f := &serverFixture{
		launcher:  &fakeLauncher{},
		transport: newFakeTransport(),
		events:    event.NewBus[event.KernelEvent](),
		logger:    logging.NewLoggerWithOutput(logging.NewBuffer(256), logging.LevelDebug, nil),
	}
	for _, opt := range opts {
		opt(f)
	}

	serverMetrics := metrics.NewServerMetricsWithRegistry(prometheus.NewRegistry())
	f.registry = kernel.NewRegistry(kernel.RegistryOptions{
		Launcher:       f.launcher,
		Transport:      f.transport,
		Logger:         f.logger,
		Metrics:        serverMetrics,
		Events:         f.events,
		StopGrace:      200 * time.Millisecond,
		BroadcastQueue: 8,
	})
	f.routes = routing.NewTable(f.registry, f.logger)
	sessions := bridge.NewSessionTracker()
	dispatcher := action.NewDispatcher(f.registry, f.routes, f.logger, serverMetrics, f.events)

	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteOptions{
		Kernels:   f.registry,
		Routes:    f.routes,
		Actions:   dispatcher,
		Sessions:  sessions,
		Events:    f.events,
		Logger:    f.logger,
		Metrics:   serverMetrics,
		AuthToken: f.authToken,
	})
	f.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		f.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.registry.StopAll(ctx)
		f.events.Close()
	})
	return f
}

// wsURL converts the fixture's http base URL to a websocket URL for a path.
func (f *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}
