// Package core defines the foundational types shared by the broker, the mapping
// store, and the platform adapters: service identities, client bindings, issued
// credentials, and the grant set applied to every identity.
package core

import (
	"time"
)

// ServiceIdentity is one platform principal dedicated to one external user.
type ServiceIdentity struct {
	ExternalUserID string    `json:"external_user_id"`
	IdentityHandle string    `json:"identity_handle"` // Provisioner-assigned name, e.g. sp-alice
	ApplicationID  string    `json:"application_id"`  // Stable id, the runtime-visible caller
	CreatedAt      time.Time `json:"created_at"`
}

// ClientBinding is the client scope a service identity is currently allowed to see.
type ClientBinding struct {
	ApplicationID string    `json:"application_id"`
	ClientID      string    `json:"client_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IssuedCredential is one ephemeral secret bound to a service identity.
// SecretValue is never persisted and never serialized.
type IssuedCredential struct {
	ApplicationID string    `json:"application_id"`
	ClientIDValue string    `json:"client_id_value"` // Public key id only
	SecretValue   string    `json:"-"`
	IssuedAt      time.Time `json:"issued_at"`
}

// GrantKind enumerates the permissions applied to a service identity.
type GrantKind string

const (
	GrantEndpointQuery GrantKind = "endpoint_query" // query access on the serving endpoint
	GrantSpaceRun      GrantKind = "space_run"      // run access on the query space
	GrantCatalogUse    GrantKind = "catalog_use"
	GrantSchemaUse     GrantKind = "schema_use"
	GrantTableSelect   GrantKind = "table_select" // row select on the data table
)

// Grant is a single permission on a single resource.
type Grant struct {
	Kind     GrantKind `json:"kind"`
	Resource string    `json:"resource"`
}

// GrantSet is the fixed list of grants resolved from configuration at startup.
type GrantSet []Grant

// Kinds returns the grant kinds in order.
func (gs GrantSet) Kinds() []GrantKind {
	kinds := make([]GrantKind, 0, len(gs))
	for _, g := range gs {
		kinds = append(kinds, g.Kind)
	}
	return kinds
}

// GrantResult reports what a grantor did with a grant set.
type GrantResult struct {
	Applied        []GrantKind `json:"applied,omitempty"`
	AlreadyGranted []GrantKind `json:"already_granted,omitempty"`
}

// ActivationStep names a stage of the activation sequence.
type ActivationStep string

const (
	StepValidate  ActivationStep = "validate"
	StepProvision ActivationStep = "provision"
	StepBind      ActivationStep = "bind"
	StepGrant     ActivationStep = "grant"
	StepIssue     ActivationStep = "issue"
	StepCache     ActivationStep = "cache"
)
