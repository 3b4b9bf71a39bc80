package main

import (
	"context"
	"fmt"
	"sync"

	"kernelhub/internal/logging"
)

// drain winds the server down in its fixed order: the HTTP listener stops
// accepting work, every kernel gets its stop grace, then the lifecycle bus
// closes so SSE clients see end of stream. Runs at most once.
type drain struct {
	logger      *logging.Logger
	stopHTTP    func(context.Context) error
	stopKernels func(context.Context)
	closeEvents func()
	once        sync.Once
}

func (d *drain) run(ctx context.Context) error {
	if d == nil {
		return nil
	}
	var httpErr error
	d.once.Do(func() {
		if d.stopHTTP != nil {
			d.logger.Info("draining http server", nil)
			if err := d.stopHTTP(ctx); err != nil {
				httpErr = fmt.Errorf("http drain: %w", err)
				d.logger.Warn("http drain failed", map[string]string{
					"error": err.Error(),
				})
			}
		}
		if d.stopKernels != nil {
			d.logger.Info("stopping kernels", nil)
			d.stopKernels(ctx)
		}
		if d.closeEvents != nil {
			d.logger.Info("closing event bus", nil)
			d.closeEvents()
		}
	})
	return httpErr
}
