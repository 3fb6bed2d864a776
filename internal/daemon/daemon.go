// Package daemon configures and starts the changefeed daemon and its subsystems.
package daemon

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cloudapi/changefeed/internal/authenticator"
	"github.com/cloudapi/changefeed/internal/changefeed"
	"github.com/cloudapi/changefeed/internal/http"
	"github.com/cloudapi/changefeed/internal/machine"
	"github.com/cloudapi/changefeed/internal/upstream"
)

type Daemon struct {
	Config
	logr.Logger

	Hub           *changefeed.Hub
	Authenticator *authenticator.Authenticator

	// ListenAddress is the listening address of the daemon's http server,
	// e.g. localhost:8080
	ListenAddress *net.TCPAddr

	upstream *upstream.Listener
	server   *http.Server
}

// New builds a new daemon.
func New(logger logr.Logger, cfg Config) (*Daemon, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	validation, err := changefeed.ParseValidationMode(cfg.Validation)
	if err != nil {
		return nil, err
	}
	if cfg.Upstream.Instance == "" {
		cfg.Upstream.Instance = uuid.NewString()
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		registerer, gatherer = cfg.Registry, cfg.Registry
	}

	authn, err := authenticator.New(logger, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("setting up authentication middleware: %w", err)
	}

	hub, err := changefeed.NewHub(logger, changefeed.Options{
		Translator:     machine.NewTranslator(),
		Validation:     validation,
		Registerer:     registerer,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up hub: %w", err)
	}

	listener, err := upstream.NewListener(logger, cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("setting up upstream listener: %w", err)
	}

	server, err := http.NewServer(logger, http.ServerConfig{
		SSL:                  cfg.SSL,
		CertFile:             cfg.CertFile,
		KeyFile:              cfg.KeyFile,
		EnableRequestLogging: cfg.EnableRequestLogging,
		Changefeed:           hub,
		Middleware:           []mux.MiddlewareFunc{authn.Middleware()},
		Gatherer:             gatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up http server: %w", err)
	}

	logger.V(1).Info("configured upstream",
		"instance", cfg.Upstream.Instance,
		"service", cfg.Upstream.Service,
		"validation", validation)

	return &Daemon{
		Config:        cfg,
		Logger:        logger,
		Hub:           hub,
		Authenticator: authn,
		upstream:      listener,
		server:        server,
	}, nil
}

// Start the changefeed daemon and block until ctx is cancelled or an error is
// returned. The started channel is closed once the daemon has started.
func (d *Daemon) Start(ctx context.Context, started chan struct{}) error {
	// Cancel context the first time a func started with g.Go() fails
	g, ctx := errgroup.WithContext(ctx)

	// close every subscriber connection upon exit
	defer d.Hub.Stop()

	ln, err := net.Listen("tcp", d.Address)
	if err != nil {
		return err
	}
	d.ListenAddress = ln.Addr().(*net.TCPAddr)

	defer ln.Close()

	subsystems := []*Subsystem{
		{
			Name:   "upstream",
			Logger: d.Logger,
			System: d.upstream,
		},
		{
			Name:   "hub",
			Logger: d.Logger,
			System: StartFunc(func(ctx context.Context) error {
				return d.Hub.Start(ctx, d.upstream)
			}),
		},
	}
	for _, ss := range subsystems {
		ss.Start(ctx, g)
	}

	g.Go(func() error {
		if err := d.server.Start(ctx, ln); err != nil {
			return fmt.Errorf("http server terminated: %w", err)
		}
		return nil
	})

	// Inform the caller the daemon has started
	close(started)

	// Block until error or Ctrl-C received.
	return g.Wait()
}
