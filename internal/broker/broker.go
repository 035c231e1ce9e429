// Package broker implements the dynamic credential broker: for an external
// user and a target client it finds or creates the user's dedicated service
// identity, binds it to the client, applies the fixed grant set, issues a
// fresh credential and caches the resulting handle.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratus-framework/scopebroker/internal/apperr"
	"github.com/stratus-framework/scopebroker/internal/audit"
	"github.com/stratus-framework/scopebroker/internal/core"
	"github.com/stratus-framework/scopebroker/internal/mapping"
	"github.com/stratus-framework/scopebroker/internal/metrics"
	"github.com/stratus-framework/scopebroker/internal/session"
)

// ErrIdentityNotFound is returned by a Provisioner when no identity has the requested name.
var ErrIdentityNotFound = errors.New("service identity not found")

// Provisioner locates or creates service identities by deterministic name.
type Provisioner interface {
	FindByName(ctx context.Context, name string) (core.ServiceIdentity, error)
	Create(ctx context.Context, name string) (core.ServiceIdentity, error)
}

// Grantor applies a grant set to an identity. Grants already held are not errors.
type Grantor interface {
	Grant(ctx context.Context, identity core.ServiceIdentity, grants core.GrantSet) (core.GrantResult, error)
}

// Issuer generates a fresh credential for an identity.
type Issuer interface {
	IssueSecret(ctx context.Context, identity core.ServiceIdentity) (core.IssuedCredential, error)
}

// MappingStore is the durable identity and binding storage.
type MappingStore interface {
	FindOrRecordIdentity(ctx context.Context, userID string, provision mapping.ProvisionFunc) (core.ServiceIdentity, error)
	UpsertBinding(ctx context.Context, applicationID, clientID string) error
}

// Namer derives the deterministic identity name for an external user id.
type Namer interface {
	ForUser(userID string) string
}

// Deps wires the broker to its collaborators. Audit and Metrics are optional.
type Deps struct {
	Store       MappingStore
	Provisioner Provisioner
	Grantor     Grantor
	Issuer      Issuer
	Names       Namer
	Cache       *session.Cache
	Audit       *audit.Logger
	Metrics     metrics.Recorder
	Logger      zerolog.Logger

	Grants core.GrantSet
	Region string // region stamped on issued handles
}

// Broker serializes Activate per user and runs the activation sequence.
type Broker struct {
	store       MappingStore
	provisioner Provisioner
	grantor     Grantor
	issuer      Issuer
	names       Namer
	cache       *session.Cache
	locks       *session.KeyedLocker
	audit       *audit.Logger
	metrics     metrics.Recorder
	logger      zerolog.Logger
	grants      core.GrantSet
	region      string
}

// New creates a broker. The cache is owned by the caller and may be shared
// with readers for the lifetime of the process.
func New(d Deps) (*Broker, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("broker: mapping store is required")
	case d.Provisioner == nil:
		return nil, errors.New("broker: provisioner is required")
	case d.Grantor == nil:
		return nil, errors.New("broker: grantor is required")
	case d.Issuer == nil:
		return nil, errors.New("broker: issuer is required")
	case d.Names == nil:
		return nil, errors.New("broker: namer is required")
	case d.Cache == nil:
		return nil, errors.New("broker: session cache is required")
	case len(d.Grants) == 0:
		return nil, errors.New("broker: grant set is empty")
	}
	rec := d.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Broker{
		store:       d.Store,
		provisioner: d.Provisioner,
		grantor:     d.Grantor,
		issuer:      d.Issuer,
		names:       d.Names,
		cache:       d.Cache,
		locks:       session.NewKeyedLocker(),
		audit:       d.Audit,
		metrics:     rec,
		logger:      d.Logger,
		grants:      d.Grants,
		region:      d.Region,
	}, nil
}

// Activate makes userID's service identity usable against clientID's scope
// and returns the cached handle. Calls for the same user are serialized;
// calls for distinct users run in parallel. A failed call leaves completed
// steps in place, and retrying with the same arguments resumes safely.
func (b *Broker) Activate(ctx context.Context, userID, clientID string) (*session.Handle, error) {
	start := time.Now()

	if userID == "" {
		return nil, b.fail(ctx, start, apperr.New(apperr.KindInvalidArgument, core.StepValidate, "userId is empty"))
	}
	if clientID == "" {
		return nil, b.fail(ctx, start, apperr.New(apperr.KindInvalidArgument, core.StepValidate, "clientId is empty"))
	}

	activationID := uuid.NewString()
	ctx = audit.WithActivation(ctx, activationID, userID)
	log := b.logger.With().
		Str("activation_id", activationID).
		Str("user_id", userID).
		Str("client_id", clientID).
		Logger()

	unlock, err := b.locks.Lock(ctx, userID)
	if err != nil {
		return nil, b.fail(ctx, start, apperr.Wrap(apperr.KindUnknown, core.StepValidate, "waiting for user lock", err))
	}
	defer unlock()

	h, err := b.activate(ctx, log, userID, clientID)
	if err != nil {
		log.Warn().Err(err).Str("step", string(apperr.StepOf(err))).Msg("activation failed")
		return nil, b.fail(ctx, start, err)
	}

	b.metrics.RecordActivation("success", time.Since(start))
	b.metrics.SetCachedHandles(b.cache.Len())
	b.record(ctx, log, audit.EventActivationSucceeded, map[string]string{
		"client_id":       clientID,
		"identity_handle": h.IdentityHandle,
		"handle_id":       h.ID,
	})
	log.Info().Str("identity_handle", h.IdentityHandle).Msg(h.Status())
	return h, nil
}

func (b *Broker) activate(ctx context.Context, log zerolog.Logger, userID, clientID string) (*session.Handle, error) {
	// 1. Find or create the identity and its mapping row.
	provisioned := false
	identity, err := b.store.FindOrRecordIdentity(ctx, userID, func(ctx context.Context) (core.ServiceIdentity, error) {
		provisioned = true
		return b.provision(ctx, log, userID)
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Wrap(apperr.KindMappingWriteFailed, core.StepProvision, "recording identity mapping", err)
		}
		return nil, err
	}
	if provisioned {
		b.record(ctx, log, audit.EventIdentityProvisioned, map[string]string{
			"identity_handle": identity.IdentityHandle,
			"application_id":  identity.ApplicationID,
		})
	}
	log.Debug().Str("identity_handle", identity.IdentityHandle).Str("application_id", identity.ApplicationID).Msg("identity resolved")

	// 2. Bind; the write is acknowledged before any credential exists for it.
	if err := b.store.UpsertBinding(ctx, identity.ApplicationID, clientID); err != nil {
		return nil, apperr.Wrap(apperr.KindMappingWriteFailed, core.StepBind, "upserting client binding", err)
	}
	b.record(ctx, log, audit.EventBindingUpserted, map[string]string{
		"application_id": identity.ApplicationID,
		"client_id":      clientID,
	})
	log.Debug().Msg("binding upserted")

	// 3. Grants are re-applied every time.
	result, err := b.grantor.Grant(ctx, identity, b.grants)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGrantFailed, core.StepGrant, "applying grants", err)
	}
	b.metrics.RecordGrants(len(result.Applied), len(result.AlreadyGranted))
	b.record(ctx, log, audit.EventGrantsApplied, result)
	log.Debug().Int("applied", len(result.Applied)).Int("already_granted", len(result.AlreadyGranted)).Msg("grants applied")

	// 4. Issue, after checking the cache will take the handle.
	if !b.cache.Admits(userID) {
		return nil, apperr.Wrap(apperr.KindCacheFull, core.StepCache, "caching handle", session.ErrCacheFull)
	}
	cred, err := b.issuer.IssueSecret(ctx, identity)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCredentialIssuanceFailed, core.StepIssue, "issuing credential", err)
	}
	b.record(ctx, log, audit.EventCredentialIssued, map[string]string{
		"application_id":  identity.ApplicationID,
		"client_id_value": cred.ClientIDValue,
	})
	log.Debug().Str("access_key_id", cred.ClientIDValue).Msg("credential issued")

	// 5. Cache, replacing any previous handle for the user.
	h := session.NewHandle(identity, clientID, cred, b.region)
	if err := b.cache.Put(userID, h); err != nil {
		return nil, apperr.Wrap(apperr.KindCacheFull, core.StepCache, "caching handle", err)
	}
	return h, nil
}

// provision finds the identity by its deterministic name and creates it only
// when absent, so a retry after a partial failure re-locates rather than duplicates.
func (b *Broker) provision(ctx context.Context, log zerolog.Logger, userID string) (core.ServiceIdentity, error) {
	name := b.names.ForUser(userID)

	identity, err := b.provisioner.FindByName(ctx, name)
	if errors.Is(err, ErrIdentityNotFound) {
		log.Debug().Str("identity_handle", name).Msg("creating service identity")
		identity, err = b.provisioner.Create(ctx, name)
	}
	if err != nil {
		return core.ServiceIdentity{}, apperr.Wrap(apperr.KindIdentityProvisioningFailed, core.StepProvision,
			fmt.Sprintf("provisioning %s", name), err)
	}

	identity.ExternalUserID = userID
	if identity.IdentityHandle == "" {
		identity.IdentityHandle = name
	}
	return identity, nil
}

// CurrentHandle returns the handle cached by the latest successful Activate for userID.
func (b *Broker) CurrentHandle(userID string) (*session.Handle, bool) {
	return b.cache.Get(userID)
}

func (b *Broker) fail(ctx context.Context, start time.Time, err error) error {
	kind := apperr.KindOf(err)
	b.metrics.RecordActivation(string(kind), time.Since(start))
	if step := apperr.StepOf(err); step != "" {
		b.metrics.RecordStepFailure(string(step))
	}
	if kind != apperr.KindInvalidArgument {
		b.record(ctx, b.logger, audit.EventActivationFailed, map[string]string{
			"kind":  string(kind),
			"step":  string(apperr.StepOf(err)),
			"error": err.Error(),
		})
	}
	return err
}

// record writes an audit event. Audit failures are logged, not returned.
func (b *Broker) record(ctx context.Context, log zerolog.Logger, event audit.EventType, detail any) {
	if b.audit == nil {
		return
	}
	act := audit.ActivationFrom(ctx)
	if err := b.audit.Log(context.WithoutCancel(ctx), event, act.ID, act.UserID, detail); err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("writing audit record")
	}
}
