package kernel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kernelhub/internal/event"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
)

const (
	DefaultLaunchTimeout = 20 * time.Second
	DefaultStopGrace     = 5 * time.Second
)

type RegistryOptions struct {
	Launcher  Launcher
	Transport Transport
	Logger    *logging.Logger
	Metrics   *metrics.ServerMetrics
	Events    *event.Bus[event.KernelEvent]

	// DefaultArgv supplies the deployment-default kernel argv at start time,
	// so config reloads take effect for subsequently started kernels.
	DefaultArgv func() []string

	LaunchTimeout  time.Duration
	StopGrace      time.Duration
	BroadcastQueue int
}

// Registry owns every live kernel identity and its process resources. All
// registry mutation happens under its lock; bridges only ever read identity
// validity through it.
type Registry struct {
	mu      sync.RWMutex
	kernels map[string]*Kernel
	closed  bool

	launcher      Launcher
	transport     Transport
	logger        *logging.Logger
	metrics       *metrics.ServerMetrics
	events        *event.Bus[event.KernelEvent]
	defaultArgv   func() []string
	launchTimeout time.Duration
	stopGrace     time.Duration
	queueSize     int
}

// Info is the client-visible description of a live kernel.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewRegistry(opts RegistryOptions) *Registry {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = &ExecLauncher{}
	}
	transport := opts.Transport
	if transport == nil {
		transport = NetTransport{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	defaultArgv := opts.DefaultArgv
	if defaultArgv == nil {
		defaultArgv = func() []string { return nil }
	}
	launchTimeout := opts.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = DefaultLaunchTimeout
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	return &Registry{
		kernels:       make(map[string]*Kernel),
		launcher:      launcher,
		transport:     transport,
		logger:        logger,
		metrics:       opts.Metrics,
		events:        opts.Events,
		defaultArgv:   defaultArgv,
		launchTimeout: launchTimeout,
		stopGrace:     stopGrace,
		queueSize:     opts.BroadcastQueue,
	}
}

// Start launches a kernel with the default argv merged with the caller's
// overrides and registers it under a fresh identity. On any failure the
// partially acquired process is stopped and no identity exists afterwards.
func (r *Registry) Start(ctx context.Context, argvOverrides []string) (string, error) {
	argv := MergeArgv(r.defaultArgv(), argvOverrides)

	launchCtx, cancel := context.WithTimeout(ctx, r.launchTimeout)
	defer cancel()

	proc, err := r.launcher.Launch(launchCtx, argv)
	if err != nil {
		r.countStart("failure")
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = launchFailed("launch", err)
		}
		return "", err
	}

	broadcastConn, err := r.transport.Dial(launchCtx, proc.Endpoints().Broadcast)
	if err != nil {
		r.stopOrphan(proc)
		r.countStart("failure")
		return "", launchFailed("broadcast endpoint", err)
	}

	id := uuid.NewString()
	k := newKernel(id, argvOverrides, proc, broadcastConn, r.transport, r.queueSize, r.logger, r.metrics)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), r.stopGrace)
		_ = k.shutdown(stopCtx)
		stopCancel()
		r.countStart("failure")
		return "", launchFailed("registry", errors.New("registry closed"))
	}
	r.kernels[id] = k
	r.mu.Unlock()

	go k.pumpBroadcast()
	go r.watchExit(k)

	r.countStart("success")
	if r.metrics != nil {
		r.metrics.KernelsRunning.Inc()
	}
	r.logger.Info("kernel started", map[string]string{
		"kernel_id": id,
		"control":   proc.Endpoints().Control,
		"broadcast": proc.Endpoints().Broadcast,
	})
	r.events.Publish(event.NewKernelEvent(id, event.TypeKernelStarted))
	return id, nil
}

// Stop terminates the kernel and removes its identity. Unknown or already
// stopped identities are a no-op so racing teardown requests stay quiet.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	k, ok := r.kernels[id]
	if ok {
		delete(r.kernels, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	k.stopRequested.Store(true)
	stopCtx, cancel := context.WithTimeout(ctx, r.stopGrace)
	err := k.shutdown(stopCtx)
	cancel()

	if r.metrics != nil {
		r.metrics.KernelsRunning.Dec()
		r.metrics.KernelExitsTotal.WithLabelValues("stopped").Inc()
	}
	r.logger.Info("kernel stopped", map[string]string{"kernel_id": id})
	r.events.Publish(event.NewKernelEvent(id, event.TypeKernelStopped))
	return err
}

// Interrupt signals the kernel without touching its identity or endpoints.
func (r *Registry) Interrupt(id string) error {
	r.mu.RLock()
	k, ok := r.kernels[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownKernel
	}
	if err := k.process.Interrupt(); err != nil {
		return err
	}
	r.logger.Info("kernel interrupted", map[string]string{"kernel_id": id})
	return nil
}

// Restart performs the standalone stop+start cycle for a kernel with no
// notebook binding, reusing the argv overrides from the original start.
func (r *Registry) Restart(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	k, ok := r.kernels[id]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownKernel
	}

	overrides := k.Overrides()
	if err := r.Stop(ctx, id); err != nil {
		r.logger.Warn("kernel stop during restart", map[string]string{
			"kernel_id": id,
			"error":     err.Error(),
		})
	}
	return r.Start(ctx, overrides)
}

func (r *Registry) IsAlive(id string) bool {
	r.mu.RLock()
	k, ok := r.kernels[id]
	r.mu.RUnlock()
	return ok && k.alive()
}

// Get returns the live kernel handle for bridge attachment.
func (r *Registry) Get(id string) (*Kernel, error) {
	r.mu.RLock()
	k, ok := r.kernels[id]
	r.mu.RUnlock()
	if !ok || !k.alive() {
		return nil, ErrUnknownKernel
	}
	return k, nil
}

// List returns every live kernel identity, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.kernels))
	for _, k := range r.kernels {
		infos = append(infos, Info{ID: k.id, CreatedAt: k.createdAt})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// StopAll stops every kernel, used on server shutdown. New starts fail once
// it has run.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.kernels))
	for id := range r.kernels {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// watchExit notices a kernel dying out from under us and propagates it the
// same way a restart-induced teardown would: identity removed, fan-out
// closed, event published.
func (r *Registry) watchExit(k *Kernel) {
	<-k.process.Done()
	if k.stopRequested.Load() {
		return
	}

	r.mu.Lock()
	current, ok := r.kernels[k.id]
	if !ok || current != k {
		r.mu.Unlock()
		return
	}
	delete(r.kernels, k.id)
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), r.stopGrace)
	_ = k.shutdown(stopCtx)
	cancel()

	if r.metrics != nil {
		r.metrics.KernelsRunning.Dec()
		r.metrics.KernelExitsTotal.WithLabelValues("died").Inc()
	}
	r.logger.Warn("kernel exited unexpectedly", map[string]string{"kernel_id": k.id})
	r.events.Publish(event.NewKernelEvent(k.id, event.TypeKernelDied))
}

func (r *Registry) stopOrphan(proc Process) {
	stopCtx, cancel := context.WithTimeout(context.Background(), r.stopGrace)
	defer cancel()
	_ = proc.Stop(stopCtx)
}

func (r *Registry) countStart(status string) {
	if r.metrics != nil {
		r.metrics.KernelsStartedTotal.WithLabelValues(status).Inc()
	}
}
