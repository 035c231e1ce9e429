// Package grpcapi exposes the credential broker over gRPC. Requests are
// JSON-RPC style calls on a single unary method; the listener is a unix
// socket or loopback TCP for local use, or TCP with mutual TLS.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server wraps the gRPC server, its listener and the health service.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	handler    *Handler
	logger     zerolog.Logger
}

// NewServer listens on a unix socket, replacing a stale socket file.
func NewServer(socketPath string, svc *Service, logger zerolog.Logger) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return newServer(lis, svc, logger)
}

// ErrNotLoopback is returned when plaintext TCP is requested on an address
// other than loopback.
var ErrNotLoopback = errors.New("plaintext listener requires a loopback address")

// IsLoopback reports whether addr's host is localhost or a loopback IP.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewTCPServer creates a plaintext gRPC server on a loopback address.
func NewTCPServer(addr string, svc *Service, logger zerolog.Logger) (*Server, error) {
	if !IsLoopback(addr) {
		return nil, fmt.Errorf("%s: %w", addr, ErrNotLoopback)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, svc, logger)
}

// NewMTLSServer creates a gRPC server that requires client certificates.
func NewMTLSServer(addr string, svc *Service, creds credentials.TransportCredentials, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, svc, logger, grpc.Creds(creds))
}

func newServer(lis net.Listener, svc *Service, logger zerolog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	opts = append(opts, grpc.ChainUnaryInterceptor(logInterceptor(logger)))
	s := grpc.NewServer(opts...)

	h := NewHandler(svc)
	h.RegisterWithGRPC(s)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpcServer: s,
		listener:   lis,
		health:     hs,
		handler:    h,
		logger:     logger,
	}, nil
}

// logInterceptor logs every call with its JSON-RPC method, peer and outcome.
func logInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		method := info.FullMethod
		if r, ok := req.(*RPCRequest); ok {
			method = r.Method
		}
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Str("code", status.Code(err).String()).Err(err)
		}
		ev.Str("method", method).
			Str("peer", PeerName(ctx)).
			Dur("elapsed", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until the listener fails or ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("broker api listening")
	select {
	case <-ctx.Done():
		s.Stop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Stop marks the server not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}
