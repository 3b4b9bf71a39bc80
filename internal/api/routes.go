package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kernelhub/internal/action"
	"kernelhub/internal/bridge"
	"kernelhub/internal/event"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
	"kernelhub/internal/routing"
)

type RouteOptions struct {
	Kernels        *kernel.Registry
	Routes         *routing.Table
	Actions        *action.Dispatcher
	Sessions       *bridge.SessionTracker
	Events         *event.Bus[event.KernelEvent]
	Logger         *logging.Logger
	Metrics        *metrics.ServerMetrics
	AuthToken      string
	AllowedOrigins []string
}

func RegisterRoutes(mux *http.ServeMux, opts RouteOptions) {
	rest := &RestHandler{
		Kernels:  opts.Kernels,
		Routes:   opts.Routes,
		Actions:  opts.Actions,
		Sessions: opts.Sessions,
		Logger:   opts.Logger,
	}

	mux.Handle("/api/status", restHandler(opts.Logger, opts.AuthToken, rest.handleStatus))
	mux.Handle("/api/kernels", restHandler(opts.Logger, opts.AuthToken, rest.handleKernels))
	mux.Handle("/api/kernels/", restHandler(opts.Logger, opts.AuthToken, rest.handleKernel))
	mux.Handle("/api/notebooks/", restHandler(opts.Logger, opts.AuthToken, rest.handleNotebook))
	mux.Handle("/api/logs", restHandler(opts.Logger, opts.AuthToken, rest.handleLogs))

	mux.Handle("/ws/kernels/", securityHeadersMiddleware(cacheControlNoStore, &ChannelHandler{
		Kernels:        opts.Kernels,
		Sessions:       opts.Sessions,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		AuthToken:      opts.AuthToken,
		AllowedOrigins: opts.AllowedOrigins,
	}))
	mux.Handle("/api/events/stream", securityHeadersMiddleware(cacheControlNoStore, &EventsSSEHandler{
		Bus:       opts.Events,
		Logger:    opts.Logger,
		AuthToken: opts.AuthToken,
	}))
	mux.Handle("/metrics", promhttp.Handler())
}
