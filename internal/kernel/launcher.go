package kernel

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Endpoints are the channel addresses a launched kernel listens on. The
// heartbeat endpoint is allocated alongside the others but only probed by
// liveness tooling, never bridged.
type Endpoints struct {
	Control   string
	Broadcast string
	Heartbeat string
}

// Process is a handle to a launched kernel process. Implementations own the
// underlying OS resources; Stop must release them on every path, forcefully
// after the context deadline if the process ignores the polite signal.
type Process interface {
	Endpoints() Endpoints
	Pid() int
	// Done is closed once the process has exited, however it exited.
	Done() <-chan struct{}
	Interrupt() error
	Stop(ctx context.Context) error
}

// Launcher starts one kernel process from a fully merged argv and returns a
// handle with reachable endpoint addresses, or fails leaving nothing behind.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (Process, error)
}

// Argv placeholders rendered by the launcher. The merged argv may reference
// the allocated ports and bind address.
const (
	placeholderIP            = "{ip}"
	placeholderControlPort   = "{port.control}"
	placeholderBroadcastPort = "{port.broadcast}"
	placeholderHeartbeatPort = "{port.heartbeat}"
)

const launchIP = "127.0.0.1"

// MergeArgv combines the deployment-default argv with caller overrides.
// Overrides for a --flag= prefix replace the default occurrence; anything
// else is appended.
func MergeArgv(defaults, overrides []string) []string {
	merged := make([]string, 0, len(defaults)+len(overrides))
	replaced := make(map[int]bool)
	for _, override := range overrides {
		prefix := flagPrefix(override)
		if prefix == "" {
			continue
		}
		for i, arg := range defaults {
			if flagPrefix(arg) == prefix {
				replaced[i] = true
			}
		}
	}
	for i, arg := range defaults {
		if !replaced[i] {
			merged = append(merged, arg)
		}
	}
	merged = append(merged, overrides...)
	return merged
}

func flagPrefix(arg string) string {
	if !strings.HasPrefix(arg, "-") {
		return ""
	}
	if idx := strings.IndexByte(arg, '='); idx > 0 {
		return arg[:idx]
	}
	return arg
}

// ExecLauncher launches kernels with os/exec in their own process group so
// signals reach the whole kernel, not the server.
type ExecLauncher struct {
	Env []string
	Dir string
}

func (l *ExecLauncher) Launch(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, launchFailed("argv", fmt.Errorf("empty kernel argv"))
	}

	endpoints, err := allocateEndpoints()
	if err != nil {
		return nil, launchFailed("ports", err)
	}

	rendered := renderArgv(argv, endpoints)
	cmd := exec.Command(rendered[0], rendered[1:]...)
	cmd.Env = l.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = l.Dir
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, launchFailed("start", err)
	}

	proc := &execProcess{
		cmd:       cmd,
		endpoints: endpoints,
		pgid:      processGroupID(cmd.Process.Pid),
		done:      make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

func renderArgv(argv []string, endpoints Endpoints) []string {
	replacer := strings.NewReplacer(
		placeholderIP, launchIP,
		placeholderControlPort, portOf(endpoints.Control),
		placeholderBroadcastPort, portOf(endpoints.Broadcast),
		placeholderHeartbeatPort, portOf(endpoints.Heartbeat),
	)
	rendered := make([]string, len(argv))
	for i, arg := range argv {
		rendered[i] = replacer.Replace(arg)
	}
	return rendered
}

func portOf(endpoint string) string {
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return ""
	}
	return port
}

// allocateEndpoints reserves three distinct loopback ports. The listener
// trick leaves a tiny window before the kernel binds, acceptable for
// loopback-only endpoints.
func allocateEndpoints() (Endpoints, error) {
	ports := make([]int, 0, 3)
	listeners := make([]net.Listener, 0, 3)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	for len(ports) < 3 {
		listener, err := net.Listen("tcp", launchIP+":0")
		if err != nil {
			return Endpoints{}, err
		}
		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	return Endpoints{
		Control:   net.JoinHostPort(launchIP, strconv.Itoa(ports[0])),
		Broadcast: net.JoinHostPort(launchIP, strconv.Itoa(ports[1])),
		Heartbeat: net.JoinHostPort(launchIP, strconv.Itoa(ports[2])),
	}, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	endpoints Endpoints
	pgid      int
	done      chan struct{}
	waitErr   error
	stopOnce  sync.Once
	stopErr   error
}

func (p *execProcess) Endpoints() Endpoints {
	return p.endpoints
}

func (p *execProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Interrupt() error {
	select {
	case <-p.done:
		return ErrUnknownKernel
	default:
	}
	return interruptProcess(p.Pid(), p.pgid)
}

// Stop signals the process group politely, waits out the context, then kills.
func (p *execProcess) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *execProcess) stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	termErr := terminateProcess(p.Pid(), p.pgid)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	killErr := killProcess(p.Pid(), p.pgid)
	<-p.done
	if killErr != nil {
		return killErr
	}
	return termErr
}
