package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratus-framework/scopebroker/internal/grpcapi"
	"github.com/stratus-framework/scopebroker/internal/metrics"
	"github.com/stratus-framework/scopebroker/internal/pki"
)

// RegisterServeCommand adds the long-running broker server.
func RegisterServeCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker API and metrics endpoint",
		Long: `Run the broker gRPC API and the Prometheus /metrics endpoint.

The API listens with mutual TLS using the PKI directory unless --insecure is
given, which is accepted only on loopback addresses. An address of the form unix:/path/to.sock listens on a unix socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Server.Insecure, _ = cmd.Flags().GetBool("insecure")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, "broker")
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := newAPIServer(cfg.Server.Addr, cfg.Server.Insecure, cfg.Server.PKIDir, rt)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Serve(gctx)
			})
			if cfg.Server.MetricsAddr != "" {
				ms := &http.Server{
					Addr:              cfg.Server.MetricsAddr,
					Handler:           metrics.NewMux(rt.registry),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					rt.logger.Info().Str("addr", ms.Addr).Msg("metrics listening")
					if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return ms.Shutdown(shutdownCtx)
				})
			}

			err = g.Wait()
			rt.logger.Info().Msg("broker stopped")
			return err
		},
	}

	cmd.Flags().String("addr", "", "API listen address (overrides server.addr)")
	cmd.Flags().Bool("insecure", false, "Disable mTLS (loopback addresses only)")
	root.AddCommand(cmd)
}

func newAPIServer(addr string, insecure bool, pkiDir string, rt *runtime) (*grpcapi.Server, error) {
	apiLogger := rt.logger.With().Str("listener", "grpc").Logger()
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return grpcapi.NewServer(path, rt.service, apiLogger)
	}
	if insecure {
		if !grpcapi.IsLoopback(addr) {
			return nil, fmt.Errorf("--insecure on %s: %w; use a loopback or unix: address", addr, grpcapi.ErrNotLoopback)
		}
		rt.logger.Warn().Str("addr", addr).Msg("starting without mTLS")
		return grpcapi.NewTCPServer(addr, rt.service, apiLogger)
	}
	creds, err := pki.Dir(pkiDir).ServerCredentials()
	if err != nil {
		return nil, fmt.Errorf("loading PKI from %s: %w\nRun 'scopebroker pki init' first, or use --insecure for local use", pkiDir, err)
	}
	return grpcapi.NewMTLSServer(addr, rt.service, creds, apiLogger)
}
