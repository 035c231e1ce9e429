// Package mapping persists the two rows the backend row filter depends on:
// external user id -> service identity, and application id -> client id.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stratus-framework/scopebroker/internal/core"
	"github.com/stratus-framework/scopebroker/internal/db"
)

// ErrNotFound is returned when no mapping row exists for a key.
var ErrNotFound = errors.New("mapping not found")

// ProvisionFunc produces a service identity for a user with no mapping row.
type ProvisionFunc func(ctx context.Context) (core.ServiceIdentity, error)

// Mapping is the full resolution chain for one external user.
type Mapping struct {
	Identity core.ServiceIdentity `json:"identity"`
	Binding  *core.ClientBinding  `json:"binding,omitempty"`
}

// Store reads and writes the mapping tables.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	tables  db.MappingTables
	now     func() time.Time
}

// NewStore creates a mapping store over an opened database.
func NewStore(sqlDB *sql.DB, dialect db.Dialect, tables db.MappingTables) *Store {
	return &Store{
		db:      sqlDB,
		dialect: dialect,
		tables:  tables,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FindIdentity returns the service identity recorded for userID.
func (s *Store) FindIdentity(ctx context.Context, userID string) (core.ServiceIdentity, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT external_user_id, identity_handle, application_id, created_at FROM %s WHERE external_user_id = ?`,
		s.tables.Identity)), userID)

	var id core.ServiceIdentity
	var createdAt string
	if err := row.Scan(&id.ExternalUserID, &id.IdentityHandle, &id.ApplicationID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ServiceIdentity{}, ErrNotFound
		}
		return core.ServiceIdentity{}, fmt.Errorf("reading identity for %s: %w", userID, err)
	}
	id.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return id, nil
}

// FindOrRecordIdentity returns the identity recorded for userID, calling
// provision and recording its result when there is none. The insert is
// conditional and the stored row is re-read, so a concurrent writer's row
// wins over ours rather than producing a second mapping. Errors returned by
// provision are passed through wrapped.
func (s *Store) FindOrRecordIdentity(ctx context.Context, userID string, provision ProvisionFunc) (core.ServiceIdentity, error) {
	existing, err := s.FindIdentity(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return core.ServiceIdentity{}, err
	}

	created, err := provision(ctx)
	if err != nil {
		return core.ServiceIdentity{}, fmt.Errorf("provisioning identity for %s: %w", userID, err)
	}
	if created.ApplicationID == "" {
		return core.ServiceIdentity{}, fmt.Errorf("provisioned identity for %s has no application id", userID)
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (external_user_id, identity_handle, application_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (external_user_id) DO NOTHING`, s.tables.Identity)),
		userID, created.IdentityHandle, created.ApplicationID, created.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.ServiceIdentity{}, fmt.Errorf("inserting identity for %s: %w", userID, err)
	}

	recorded, err := s.FindIdentity(ctx, userID)
	if err != nil {
		return core.ServiceIdentity{}, fmt.Errorf("re-reading identity for %s: %w", userID, err)
	}
	return recorded, nil
}

// UpsertBinding sets the client id for applicationID, replacing any prior binding.
// It returns only after the write is acknowledged.
func (s *Store) UpsertBinding(ctx context.Context, applicationID, clientID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (application_id, client_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (application_id) DO UPDATE SET client_id = excluded.client_id, updated_at = excluded.updated_at`,
		s.tables.Binding)),
		applicationID, clientID, s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting binding for %s: %w", applicationID, err)
	}
	return nil
}

// GetBinding returns the live binding for applicationID.
func (s *Store) GetBinding(ctx context.Context, applicationID string) (core.ClientBinding, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT application_id, client_id, updated_at FROM %s WHERE application_id = ?`,
		s.tables.Binding)), applicationID)

	var b core.ClientBinding
	var updatedAt string
	if err := row.Scan(&b.ApplicationID, &b.ClientID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ClientBinding{}, ErrNotFound
		}
		return core.ClientBinding{}, fmt.Errorf("reading binding for %s: %w", applicationID, err)
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return b, nil
}

// Lookup resolves userID to its identity and current binding, the same chain
// the backend filter follows at query time. Binding is nil when none exists.
func (s *Store) Lookup(ctx context.Context, userID string) (Mapping, error) {
	id, err := s.FindIdentity(ctx, userID)
	if err != nil {
		return Mapping{}, err
	}
	m := Mapping{Identity: id}
	b, err := s.GetBinding(ctx, id.ApplicationID)
	switch {
	case err == nil:
		m.Binding = &b
	case !errors.Is(err, ErrNotFound):
		return Mapping{}, err
	}
	return m, nil
}

// ListIdentities returns every recorded identity ordered by user id.
func (s *Store) ListIdentities(ctx context.Context) ([]core.ServiceIdentity, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT external_user_id, identity_handle, application_id, created_at FROM %s ORDER BY external_user_id`,
		s.tables.Identity))
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []core.ServiceIdentity
	for rows.Next() {
		var id core.ServiceIdentity
		var createdAt string
		if err := rows.Scan(&id.ExternalUserID, &id.IdentityHandle, &id.ApplicationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		id.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, id)
	}
	return out, rows.Err()
}
