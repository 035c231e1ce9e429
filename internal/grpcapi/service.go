// service.go implements the broker API service layer shared by the gRPC
// handler and the one-shot CLI commands.
package grpcapi

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratus-framework/scopebroker/internal/apperr"
	"github.com/stratus-framework/scopebroker/internal/audit"
	brokeraws "github.com/stratus-framework/scopebroker/internal/aws"
	"github.com/stratus-framework/scopebroker/internal/core"
	"github.com/stratus-framework/scopebroker/internal/mapping"
	"github.com/stratus-framework/scopebroker/internal/session"
)

// ErrNoHandle is returned when a user has no cached handle.
var ErrNoHandle = errors.New("no active handle for user")

// Activator is the broker surface the API exposes.
type Activator interface {
	Activate(ctx context.Context, userID, clientID string) (*session.Handle, error)
	CurrentHandle(userID string) (*session.Handle, bool)
}

// HandleVerifier proves a handle authenticates as its service identity.
type HandleVerifier interface {
	Verify(ctx context.Context, h *session.Handle) (brokeraws.CallerIdentity, error)
}

// MappingReader resolves a user's identity and binding rows.
type MappingReader interface {
	Lookup(ctx context.Context, userID string) (mapping.Mapping, error)
}

// ServiceDeps wires the service. Verifier, Mappings and AuditDB are optional;
// methods that need a missing dependency return codes.Unimplemented.
type ServiceDeps struct {
	Broker   Activator
	Verifier HandleVerifier
	Mappings MappingReader
	AuditDB  *sql.DB
	Logger   zerolog.Logger
}

// Service is the API service that backs both gRPC and direct CLI access.
type Service struct {
	broker   Activator
	verifier HandleVerifier
	mappings MappingReader
	auditDB  *sql.DB
	logger   zerolog.Logger
}

// NewService creates an API service.
func NewService(d ServiceDeps) *Service {
	return &Service{
		broker:   d.Broker,
		verifier: d.Verifier,
		mappings: d.Mappings,
		auditDB:  d.AuditDB,
		logger:   d.Logger,
	}
}

// HandleInfo is a transport-safe handle representation. It never carries the secret.
type HandleInfo struct {
	HandleID       string `json:"handle_id"`
	UserID         string `json:"user_id"`
	ClientID       string `json:"client_id"`
	IdentityHandle string `json:"identity_handle"`
	ApplicationID  string `json:"application_id"`
	AccessKeyID    string `json:"access_key_id"`
	Region         string `json:"region,omitempty"`
	IssuedAt       string `json:"issued_at"`
	Status         string `json:"status"`

	Caller      *brokeraws.CallerIdentity `json:"caller,omitempty"`
	VerifyError string                    `json:"verify_error,omitempty"`
}

func handleToInfo(h *session.Handle) *HandleInfo {
	return &HandleInfo{
		HandleID:       h.ID,
		UserID:         h.UserID,
		ClientID:       h.ClientID,
		IdentityHandle: h.IdentityHandle,
		ApplicationID:  h.ApplicationID,
		AccessKeyID:    h.AccessKeyID,
		Region:         h.Region,
		IssuedAt:       h.IssuedAt.Format(time.RFC3339),
		Status:         h.Status(),
	}
}

// Activate runs an activation and, when verify is set, checks the new handle
// against STS. A verification failure is reported in the result; the
// activation itself has already succeeded.
func (s *Service) Activate(ctx context.Context, userID, clientID string, verify bool) (*HandleInfo, error) {
	h, err := s.broker.Activate(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	info := handleToInfo(h)
	if verify {
		s.verifyInto(ctx, h, info)
	}
	return info, nil
}

// Current returns the user's cached handle.
func (s *Service) Current(userID string) (*HandleInfo, error) {
	h, err := s.current(userID)
	if err != nil {
		return nil, err
	}
	return handleToInfo(h), nil
}

// Verify checks the user's cached handle against STS. The result describes
// the same handle that was verified.
func (s *Service) Verify(ctx context.Context, userID string) (*HandleInfo, error) {
	if s.verifier == nil {
		return nil, errUnimplemented("handle verification")
	}
	h, err := s.current(userID)
	if err != nil {
		return nil, err
	}
	info := handleToInfo(h)
	s.verifyInto(ctx, h, info)
	return info, nil
}

func (s *Service) current(userID string) (*session.Handle, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, core.StepValidate, "userId is empty")
	}
	h, ok := s.broker.CurrentHandle(userID)
	if !ok {
		return nil, ErrNoHandle
	}
	return h, nil
}

func (s *Service) verifyInto(ctx context.Context, h *session.Handle, info *HandleInfo) {
	if s.verifier == nil {
		info.VerifyError = "verification not configured"
		return
	}
	ci, err := s.verifier.Verify(ctx, h)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", h.UserID).Msg("handle verification failed")
		info.VerifyError = err.Error()
		return
	}
	info.Caller = &ci
}

// Binding returns the identity and current client binding for userID.
func (s *Service) Binding(ctx context.Context, userID string) (*mapping.Mapping, error) {
	if s.mappings == nil {
		return nil, errUnimplemented("mapping lookup")
	}
	m, err := s.mappings.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AuditStatus is the result of an audit chain check.
type AuditStatus struct {
	Valid bool   `json:"valid"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// VerifyAuditChain checks the integrity of the audit log. A broken chain is
// a result, not a call failure.
func (s *Service) VerifyAuditChain(ctx context.Context) (*AuditStatus, error) {
	if s.auditDB == nil {
		return nil, errUnimplemented("audit")
	}
	valid, count, err := audit.Verify(ctx, s.auditDB)
	st := &AuditStatus{Valid: valid, Count: count}
	if err != nil {
		if errors.Is(err, audit.ErrChainBroken) {
			st.Error = err.Error()
			return st, nil
		}
		return nil, err
	}
	return st, nil
}

// ListAudit returns recent audit records, newest first.
func (s *Service) ListAudit(ctx context.Context, userID string, limit int) ([]audit.Record, error) {
	if s.auditDB == nil {
		return nil, errUnimplemented("audit")
	}
	return audit.List(ctx, s.auditDB, userID, limit)
}
