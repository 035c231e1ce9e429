package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stratus-framework/scopebroker/internal/audit"
	"github.com/stratus-framework/scopebroker/internal/mapping"
)

// Client calls a broker API server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. A "unix:" prefix selects a socket. Nil creds means
// plaintext.
func Dial(addr string, creds credentials.TransportCredentials) (*Client, error) {
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	target := addr
	if !strings.HasPrefix(addr, "unix:") {
		target = "passthrough:///" + addr
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with params and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := &RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}
	var resp RPCResponse
	if err := c.conn.Invoke(ctx, CallMethod, req, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Activate calls broker.activate.
func (c *Client) Activate(ctx context.Context, userID, clientID string, verify bool) (*HandleInfo, error) {
	var info HandleInfo
	err := c.Call(ctx, "broker.activate", ActivateParams{UserID: userID, ClientID: clientID, Verify: verify}, &info)
	return &info, err
}

// Current calls broker.current.
func (c *Client) Current(ctx context.Context, userID string) (*HandleInfo, error) {
	var info HandleInfo
	err := c.Call(ctx, "broker.current", userParam{UserID: userID}, &info)
	return &info, err
}

// Verify calls broker.verify.
func (c *Client) Verify(ctx context.Context, userID string) (*HandleInfo, error) {
	var info HandleInfo
	err := c.Call(ctx, "broker.verify", userParam{UserID: userID}, &info)
	return &info, err
}

// Binding calls mapping.binding.
func (c *Client) Binding(ctx context.Context, userID string) (*mapping.Mapping, error) {
	var m mapping.Mapping
	err := c.Call(ctx, "mapping.binding", userParam{UserID: userID}, &m)
	return &m, err
}

// VerifyAudit calls audit.verify.
func (c *Client) VerifyAudit(ctx context.Context) (*AuditStatus, error) {
	var st AuditStatus
	err := c.Call(ctx, "audit.verify", nil, &st)
	return &st, err
}

// ListAudit calls audit.list.
func (c *Client) ListAudit(ctx context.Context, userID string, limit int) ([]audit.Record, error) {
	var records []audit.Record
	err := c.Call(ctx, "audit.list", auditListParams{UserID: userID, Limit: limit}, &records)
	return records, err
}
