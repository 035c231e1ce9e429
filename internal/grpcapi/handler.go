// handler.go implements a JSON-RPC-style dispatcher over one gRPC unary
// method, carried with the JSON codec so no generated stubs are needed.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/stratus-framework/scopebroker/internal/apperr"
	"github.com/stratus-framework/scopebroker/internal/mapping"
)

// Service and method names on the wire.
const (
	ServiceName = "scopebroker.v1.BrokerService"
	CallMethod  = "/" + ServiceName + "/Call"
)

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response. Failures travel as gRPC
// status errors, not in the body.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Handler dispatches JSON-RPC requests to the Service.
type Handler struct {
	service  *Service
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *Service) *Handler {
	h := &Handler{service: svc}
	h.dispatch = map[string]handlerFunc{
		"broker.activate": h.handleActivate,
		"broker.current":  h.handleCurrent,
		"broker.verify":   h.handleVerify,
		"mapping.binding": h.handleBinding,
		"audit.verify":    h.handleVerifyAudit,
		"audit.list":      h.handleListAudit,
	}
	return h
}

// Handle processes one request. Errors are gRPC status errors.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) (*RPCResponse, error) {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method: %s", req.Method)
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return nil, toStatus(err)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return &RPCResponse{Result: resultJSON}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNoHandle), errors.Is(err, mapping.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errInvalidParams):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return apperr.ToGRPCStatus(err)
}

// RegisterWithGRPC registers the handler under ServiceName.
func (h *Handler) RegisterWithGRPC(s grpc.ServiceRegistrar) {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*brokerServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

type brokerServiceHandler interface{}

func (h *Handler) grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return h.Handle(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	return interceptor(ctx, &req, info, func(ctx context.Context, r any) (any, error) {
		return h.Handle(ctx, r.(*RPCRequest))
	})
}

// PeerName returns the CN of the caller's mTLS client certificate, if any.
func PeerName(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return ""
	}
	return tlsInfo.State.PeerCertificates[0].Subject.CommonName
}

// --- Handler implementations ---

var errInvalidParams = errors.New("invalid params")

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// ActivateParams are the broker.activate parameters.
type ActivateParams struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	Verify   bool   `json:"verify,omitempty"`
}

type userParam struct {
	UserID string `json:"user_id"`
}

type auditListParams struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

func (h *Handler) handleActivate(ctx context.Context, params json.RawMessage) (any, error) {
	var p ActivateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.Activate(ctx, p.UserID, p.ClientID, p.Verify)
}

func (h *Handler) handleCurrent(_ context.Context, params json.RawMessage) (any, error) {
	var p userParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.Current(p.UserID)
}

func (h *Handler) handleVerify(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.Verify(ctx, p.UserID)
}

func (h *Handler) handleBinding(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.Binding(ctx, p.UserID)
}

func (h *Handler) handleVerifyAudit(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.VerifyAuditChain(ctx)
}

func (h *Handler) handleListAudit(ctx context.Context, params json.RawMessage) (any, error) {
	var p auditListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.ListAudit(ctx, p.UserID, p.Limit)
}

func errUnimplemented(what string) error {
	return status.Errorf(codes.Unimplemented, "%s is not configured on this server", what)
}
