// Package serve implements the serve sub-command.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oasisprotocol/govkeeper/api"
	"github.com/oasisprotocol/govkeeper/chain"
	cmdCommon "github.com/oasisprotocol/govkeeper/cmd/common"
	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/keeper"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/metrics"
)

const (
	moduleName = "serve"

	shutdownTimeout = 5 * time.Second
)

var (
	// Path to the configuration file.
	configFile string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper, the API and the metrics endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, func(ctx context.Context, cfg *config.Config) (interface{}, error) {
				service, err := NewService(ctx, cfg)
				if err != nil {
					return nil, err
				}
				defer service.Shutdown()
				return nil, service.Run(ctx)
			})
		},
	}
)

// Service runs the configured long-lived components until its context is
// canceled.
type Service struct {
	client  *chain.Client
	keeper  *keeper.Keeper
	server  *http.Server
	metrics *metrics.PullService
	journal journal.Journal
	logger  *log.Logger
}

// NewService creates the components named in cfg. At least one of keeper,
// server or metrics must be configured.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)
	if cfg.Keeper == nil && cfg.Server == nil && cfg.Metrics == nil {
		return nil, fmt.Errorf("nothing to serve: configure keeper, server or metrics")
	}
	s := &Service{logger: logger}
	if cfg.Metrics != nil {
		s.metrics = metrics.NewPullService(cfg.Metrics.PullEndpoint, logger)
	}
	if cfg.Keeper == nil && cfg.Server == nil {
		return s, nil
	}

	client, err := cmdCommon.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.client = client
	if s.journal, err = cmdCommon.NewJournal(ctx, cfg, logger); err != nil {
		s.Shutdown()
		return nil, err
	}
	if s.journal == nil {
		s.Shutdown()
		return nil, fmt.Errorf("journal: not configured")
	}

	if cfg.Keeper != nil {
		executor, err := cmdCommon.NewExecutor(cfg, client, logger)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		registry, err := cmdCommon.NewRegistry(cfg, client, executor, logger)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.keeper = keeper.New(cfg.Keeper, registry, s.journal, logger)
	}
	if cfg.Server != nil {
		// The API only reads; it never needs the signer.
		registry, err := cmdCommon.NewRegistry(cfg, client, nil, logger)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.server = &http.Server{
			Addr:           cfg.Server.Endpoint,
			Handler:        api.NewServer(client.ChainID(), registry, s.journal, logger).Router(),
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		}
	}
	return s, nil
}

// Run runs every configured component and returns when ctx is canceled
// or any component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.metrics != nil {
		g.Go(func() error {
			return s.metrics.Run(ctx)
		})
	}
	if s.keeper != nil {
		g.Go(func() error {
			s.keeper.Start(ctx)
			return nil
		})
	}
	if s.server != nil {
		g.Go(func() error {
			return s.serveAPI(ctx)
		})
	}
	s.logger.Info("started all services")
	return g.Wait()
}

func (s *Service) serveAPI(ctx context.Context) error {
	s.logger.Info("starting api service", "listen_addr", s.server.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Shutdown releases the service's resources.
func (s *Service) Shutdown() {
	if s.journal != nil {
		common.CloseOrLog(s.journal, s.logger)
		s.journal = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// Register registers the serve sub-command.
func Register(parentCmd *cobra.Command) {
	serveCmd.Flags().StringVar(&configFile, "config", "./config/govkeeper.yml", "path to the config.yml file")
	parentCmd.AddCommand(serveCmd)
}
