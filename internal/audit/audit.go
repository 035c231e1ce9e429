// Package audit provides the append-only activation audit log.
// Audit records form a hash chain for tamper detection.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventAPICall             EventType = "api_call"
	EventIdentityProvisioned EventType = "identity_provisioned"
	EventBindingUpserted     EventType = "binding_upserted"
	EventGrantsApplied       EventType = "grants_applied"
	EventCredentialIssued    EventType = "credential_issued"
	EventActivationSucceeded EventType = "activation_succeeded"
	EventActivationFailed    EventType = "activation_failed"
)

// ErrChainBroken is returned by Verify when a record does not match its hash.
var ErrChainBroken = errors.New("audit chain broken")

// Record is one row of the audit log.
type Record struct {
	ID           int64           `json:"id"`
	Timestamp    string          `json:"timestamp"`
	ActivationID string          `json:"activation_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Operator     string          `json:"operator"`
	EventType    EventType       `json:"event_type"`
	Detail       json.RawMessage `json:"detail"`
	RecordHash   string          `json:"record_hash"`
}

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	operator string
}

// NewLogger creates an audit logger that signs records as operator.
func NewLogger(db *sql.DB, operator string) (*Logger, error) {
	if operator == "" {
		operator = "broker"
	}
	al := &Logger{
		db:       db,
		operator: operator,
	}

	// Recover last hash for chain continuity
	var lastHash sql.NullString
	err := db.QueryRow("SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log writes an audit event. The record is appended immutably with a hash chain.
// Detail must never contain secret material.
func (al *Logger) Log(ctx context.Context, eventType EventType, activationID, userID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	recordHash := chainHash(al.lastHash, ts, string(eventType), al.operator, activationID, userID, string(detailJSON))

	_, err = al.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, activation_id, user_id, operator, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts,
		activationID,
		userID,
		al.operator,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// chainHash creates the hash chain link over the previous hash and every stored column.
func chainHash(prev, ts, eventType, operator, activationID, userID, detail string) string {
	data := prev + ts + eventType + operator + activationID + userID + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain.
func Verify(ctx context.Context, db *sql.DB) (bool, int, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT timestamp, activation_id, user_id, operator, event_type, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, activationID, userID, operator, eventType, detail, recordHash string
		if err := rows.Scan(&ts, &activationID, &userID, &operator, &eventType, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		expected := chainHash(previousHash, ts, eventType, operator, activationID, userID, detail)
		if expected != recordHash {
			return false, count, fmt.Errorf("%w at record %d", ErrChainBroken, count+1)
		}

		previousHash = recordHash
		count++
	}
	if err := rows.Err(); err != nil {
		return false, count, err
	}

	return true, count, nil
}

// List returns the most recent records, newest first. An empty userID lists all users.
func List(ctx context.Context, db *sql.DB, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, timestamp, activation_id, user_id, operator, event_type, detail, record_hash FROM audit_log"
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var eventType, detail string
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ActivationID, &r.UserID, &r.Operator, &eventType, &detail, &r.RecordHash); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.EventType = EventType(eventType)
		r.Detail = json.RawMessage(detail)
		records = append(records, r)
	}
	return records, rows.Err()
}
