// Package action executes kernel lifecycle actions against the routing table
// and registry on behalf of the request-facing layer.
package action

import (
	"context"

	"kernelhub/internal/event"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
	"kernelhub/internal/routing"
)

type Dispatcher struct {
	kernels *kernel.Registry
	routes  *routing.Table
	logger  *logging.Logger
	metrics *metrics.ServerMetrics
	events  *event.Bus[event.KernelEvent]
}

func NewDispatcher(kernels *kernel.Registry, routes *routing.Table, logger *logging.Logger, serverMetrics *metrics.ServerMetrics, events *event.Bus[event.KernelEvent]) *Dispatcher {
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	return &Dispatcher{
		kernels: kernels,
		routes:  routes,
		logger:  logger,
		metrics: serverMetrics,
		events:  events,
	}
}

// Restart replaces the kernel behind the given identity and returns the
// successor identity. A notebook-bound kernel goes through the routing
// table's rebind so the entry swaps atomically; a standalone kernel is
// stopped and started directly. Either way every bridge on the old identity
// goes stale.
func (d *Dispatcher) Restart(ctx context.Context, kernelID string) (string, error) {
	var newID string
	var err error
	notebookID, bound := d.routes.NotebookFor(kernelID)
	if bound {
		newID, err = d.routes.Rebind(ctx, notebookID, nil)
	} else {
		newID, err = d.kernels.Restart(ctx, kernelID)
	}
	if err != nil {
		return "", err
	}

	d.recordRestart(newID, notebookID)
	fields := map[string]string{
		"old_kernel_id": kernelID,
		"kernel_id":     newID,
	}
	if bound {
		fields["notebook_id"] = notebookID
	}
	d.logger.Info("kernel restarted", fields)
	return newID, nil
}

// RestartNotebook rebinds a notebook directly, for callers that hold the
// notebook identity rather than the kernel identity.
func (d *Dispatcher) RestartNotebook(ctx context.Context, notebookID string, argvOverrides []string) (string, error) {
	newID, err := d.routes.Rebind(ctx, notebookID, argvOverrides)
	if err != nil {
		return "", err
	}
	d.recordRestart(newID, notebookID)
	return newID, nil
}

// Interrupt signals the kernel; routing entries and bridges are untouched.
func (d *Dispatcher) Interrupt(kernelID string) error {
	return d.kernels.Interrupt(kernelID)
}

// Shutdown stops the kernel and, when notebook-bound, clears the routing
// entry so the notebook resolves to a fresh kernel next time.
func (d *Dispatcher) Shutdown(ctx context.Context, kernelID string) error {
	if !d.kernels.IsAlive(kernelID) {
		return kernel.ErrUnknownKernel
	}
	d.routes.DropBinding(kernelID)
	return d.kernels.Stop(ctx, kernelID)
}

func (d *Dispatcher) recordRestart(newID, notebookID string) {
	if d.metrics != nil {
		d.metrics.KernelRestartsTotal.Inc()
	}
	evt := event.NewKernelEvent(newID, event.TypeKernelRestarted)
	evt.NotebookID = notebookID
	d.events.Publish(evt)
}
