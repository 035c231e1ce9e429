// Package session holds the in-memory state of activated users: the
// authenticated handle issued by the last Activate, the process-wide cache
// of those handles, and the per-user lock that serializes activation.
package session

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/google/uuid"

	"github.com/stratus-framework/scopebroker/internal/core"
)

// Handle is the authenticated client state for one external user. The secret
// is held unexported so the handle can be logged and serialized safely.
type Handle struct {
	ID             string    `json:"handle_id"`
	UserID         string    `json:"user_id"`
	IdentityHandle string    `json:"identity_handle"`
	ApplicationID  string    `json:"application_id"`
	ClientID       string    `json:"client_id"`
	AccessKeyID    string    `json:"access_key_id"`
	Region         string    `json:"region"`
	IssuedAt       time.Time `json:"issued_at"`

	secret string
}

// NewHandle builds a handle from the activation results.
func NewHandle(identity core.ServiceIdentity, clientID string, cred core.IssuedCredential, region string) *Handle {
	issued := cred.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	return &Handle{
		ID:             uuid.New().String(),
		UserID:         identity.ExternalUserID,
		IdentityHandle: identity.IdentityHandle,
		ApplicationID:  identity.ApplicationID,
		ClientID:       clientID,
		AccessKeyID:    cred.ClientIDValue,
		Region:         region,
		IssuedAt:       issued,
		secret:         cred.SecretValue,
	}
}

// Credential returns the credential pair the handle authenticates with.
func (h *Handle) Credential() core.IssuedCredential {
	return core.IssuedCredential{
		ApplicationID: h.ApplicationID,
		ClientIDValue: h.AccessKeyID,
		SecretValue:   h.secret,
		IssuedAt:      h.IssuedAt,
	}
}

// AWSConfig returns an SDK configuration that calls AWS as the service identity.
func (h *Handle) AWSConfig() aws.Config {
	return aws.Config{
		Region:      h.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(h.AccessKeyID, h.secret, "")),
	}
}

// Status is the human-readable activation summary. It never includes the secret.
func (h *Handle) Status() string {
	return fmt.Sprintf("credentials set for user %s with client %s", h.UserID, h.ClientID)
}

func (h *Handle) String() string {
	return fmt.Sprintf("Handle{user=%s identity=%s client=%s key=%s}", h.UserID, h.IdentityHandle, h.ClientID, h.AccessKeyID)
}
