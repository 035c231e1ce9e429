package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/stratus-framework/scopebroker/internal/broker"
	"github.com/stratus-framework/scopebroker/internal/core"
	"github.com/stratus-framework/scopebroker/internal/session"
)

// ManagedTagKey marks IAM users created by the broker.
const ManagedTagKey = "scopebroker:managed"

// MaxAccessKeys is the IAM limit on access keys per user.
const MaxAccessKeys = 2

// ErrUnmanagedIdentity is returned when a user with the identity's name exists
// but was not created by the broker. Such users are never adopted.
var ErrUnmanagedIdentity = errors.New("iam user exists but is not broker-managed")

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}

func isAlreadyExists(err error) bool {
	var eae *iamtypes.EntityAlreadyExistsException
	return errors.As(err, &eae)
}

// IsAccessDenied reports whether err is an authorization rejection from AWS.
func IsAccessDenied(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
		return true
	}
	return false
}

func identityFromUser(u *iamtypes.User) core.ServiceIdentity {
	id := core.ServiceIdentity{
		IdentityHandle: aws.ToString(u.UserName),
		ApplicationID:  aws.ToString(u.UserId),
	}
	if u.CreateDate != nil {
		id.CreatedAt = u.CreateDate.UTC()
	}
	return id
}

// --- Provisioner ---

// IAMProvisioner locates or creates one IAM user per external user.
type IAMProvisioner struct {
	f    *ClientFactory
	path string
}

func NewIAMProvisioner(f *ClientFactory, path string) *IAMProvisioner {
	if path == "" {
		path = "/"
	}
	return &IAMProvisioner{f: f, path: path}
}

// managed reports whether u lives under the identity path and carries the managed tag.
func (p *IAMProvisioner) managed(u *iamtypes.User) bool {
	if u == nil || aws.ToString(u.Path) != p.path {
		return false
	}
	for _, t := range u.Tags {
		if aws.ToString(t.Key) == ManagedTagKey {
			return true
		}
	}
	return false
}

// FindByName returns the IAM user called name, or broker.ErrIdentityNotFound.
// A user outside the identity path or without the managed tag yields
// ErrUnmanagedIdentity.
func (p *IAMProvisioner) FindByName(ctx context.Context, name string) (core.ServiceIdentity, error) {
	params := map[string]string{"user": name}
	if err := p.f.begin(ctx, "iam", "GetUser", params); err != nil {
		return core.ServiceIdentity{}, err
	}

	out, err := p.f.IAM().GetUser(ctx, &iam.GetUserInput{UserName: aws.String(name)})
	if err != nil {
		if isNoSuchEntity(err) {
			return core.ServiceIdentity{}, broker.ErrIdentityNotFound
		}
		p.f.logAPICall(ctx, "iam", "GetUser", params, err)
		return core.ServiceIdentity{}, fmt.Errorf("GetUser(%s): %w", name, err)
	}
	if !p.managed(out.User) {
		p.f.logger.Warn().Str("user", name).Str("path", aws.ToString(out.User.Path)).Msg("refusing to adopt unmanaged iam user")
		return core.ServiceIdentity{}, fmt.Errorf("%s: %w", name, ErrUnmanagedIdentity)
	}
	return identityFromUser(out.User), nil
}

// Create creates the IAM user called name. A managed user that appeared since
// the caller's lookup is returned as if created; an unmanaged one is refused.
func (p *IAMProvisioner) Create(ctx context.Context, name string) (core.ServiceIdentity, error) {
	params := map[string]string{"user": name, "path": p.path}
	if err := p.f.begin(ctx, "iam", "CreateUser", params); err != nil {
		return core.ServiceIdentity{}, err
	}

	out, err := p.f.IAM().CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(name),
		Path:     aws.String(p.path),
		Tags: []iamtypes.Tag{
			{Key: aws.String(ManagedTagKey), Value: aws.String("true")},
		},
	})
	if err != nil {
		if isAlreadyExists(err) {
			return p.FindByName(ctx, name)
		}
		p.f.logAPICall(ctx, "iam", "CreateUser", params, err)
		return core.ServiceIdentity{}, fmt.Errorf("CreateUser(%s): %w", name, err)
	}
	return identityFromUser(out.User), nil
}

// --- Grantor ---

// IAMGrantor applies the grant set as one inline policy on the identity's IAM user.
type IAMGrantor struct {
	f          *ClientFactory
	account    Account
	policyName string
}

func NewIAMGrantor(f *ClientFactory, account Account, policyName string) *IAMGrantor {
	return &IAMGrantor{f: f, account: account, policyName: policyName}
}

// Grant renders grants and writes the policy unless every grant is already
// held exactly. Grants already held are reported, not treated as errors.
func (g *IAMGrantor) Grant(ctx context.Context, identity core.ServiceIdentity, grants core.GrantSet) (core.GrantResult, error) {
	want, err := RenderPolicy(g.account, grants)
	if err != nil {
		return core.GrantResult{}, err
	}

	user := identity.IdentityHandle
	params := map[string]string{"user": user, "policy": g.policyName}
	if err := g.f.begin(ctx, "iam", "GetUserPolicy", params); err != nil {
		return core.GrantResult{}, err
	}

	var have PolicyDocument
	out, err := g.f.IAM().GetUserPolicy(ctx, &iam.GetUserPolicyInput{
		UserName:   aws.String(user),
		PolicyName: aws.String(g.policyName),
	})
	switch {
	case err == nil:
		have, err = ParsePolicy(aws.ToString(out.PolicyDocument))
		if err != nil {
			g.f.logger.Warn().Err(err).Str("user", user).Msg("existing inline policy unreadable, replacing")
		}
	case isNoSuchEntity(err):
	default:
		g.f.logAPICall(ctx, "iam", "GetUserPolicy", params, err)
		return core.GrantResult{}, fmt.Errorf("GetUserPolicy(%s): %w", user, err)
	}

	var result core.GrantResult
	for _, kind := range grants.Kinds() {
		if have.Holds(want, kind) {
			result.AlreadyGranted = append(result.AlreadyGranted, kind)
		} else {
			result.Applied = append(result.Applied, kind)
		}
	}
	if len(result.Applied) == 0 && len(have.Statement) == len(want.Statement) {
		return result, nil
	}
	if len(result.Applied) == 0 {
		// Extra statements present; rewrite without reporting new grants.
		g.f.logger.Debug().Str("user", user).Msg("pruning stale statements from inline policy")
	}

	doc, err := want.JSON()
	if err != nil {
		return core.GrantResult{}, err
	}
	if err := g.f.begin(ctx, "iam", "PutUserPolicy", params); err != nil {
		return core.GrantResult{}, err
	}
	_, err = g.f.IAM().PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       aws.String(user),
		PolicyName:     aws.String(g.policyName),
		PolicyDocument: aws.String(doc),
	})
	if err != nil {
		g.f.logAPICall(ctx, "iam", "PutUserPolicy", params, err)
		return core.GrantResult{}, fmt.Errorf("PutUserPolicy(%s): %w", user, err)
	}
	return result, nil
}

// --- Issuer ---

// IAMIssuer issues a fresh access key for the identity's IAM user, deleting
// the oldest keys first so the per-user key limit is never hit.
type IAMIssuer struct {
	f       *ClientFactory
	maxKeys int
}

func NewIAMIssuer(f *ClientFactory, maxKeys int) *IAMIssuer {
	maxKeys = min(max(maxKeys, 1), MaxAccessKeys)
	return &IAMIssuer{f: f, maxKeys: maxKeys}
}

// IssueSecret creates a new access key. The secret is returned once and never stored.
func (is *IAMIssuer) IssueSecret(ctx context.Context, identity core.ServiceIdentity) (core.IssuedCredential, error) {
	user := identity.IdentityHandle
	params := map[string]string{"user": user}

	if err := is.f.begin(ctx, "iam", "ListAccessKeys", params); err != nil {
		return core.IssuedCredential{}, err
	}
	listed, err := is.f.IAM().ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(user)})
	if err != nil {
		is.f.logAPICall(ctx, "iam", "ListAccessKeys", params, err)
		return core.IssuedCredential{}, fmt.Errorf("ListAccessKeys(%s): %w", user, err)
	}

	keys := append([]iamtypes.AccessKeyMetadata(nil), listed.AccessKeyMetadata...)
	sort.Slice(keys, func(i, j int) bool {
		return aws.ToTime(keys[i].CreateDate).Before(aws.ToTime(keys[j].CreateDate))
	})
	for len(keys) >= is.maxKeys {
		oldest := aws.ToString(keys[0].AccessKeyId)
		delParams := map[string]string{"user": user, "access_key_id": oldest}
		if err := is.f.begin(ctx, "iam", "DeleteAccessKey", delParams); err != nil {
			return core.IssuedCredential{}, err
		}
		_, err := is.f.IAM().DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(oldest),
		})
		if err != nil && !isNoSuchEntity(err) {
			is.f.logAPICall(ctx, "iam", "DeleteAccessKey", delParams, err)
			return core.IssuedCredential{}, fmt.Errorf("DeleteAccessKey(%s): %w", oldest, err)
		}
		keys = keys[1:]
	}

	if err := is.f.begin(ctx, "iam", "CreateAccessKey", params); err != nil {
		return core.IssuedCredential{}, err
	}
	out, err := is.f.IAM().CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: aws.String(user)})
	if err != nil {
		is.f.logAPICall(ctx, "iam", "CreateAccessKey", params, err)
		return core.IssuedCredential{}, fmt.Errorf("CreateAccessKey(%s): %w", user, err)
	}

	issued := time.Now().UTC()
	if out.AccessKey.CreateDate != nil {
		issued = out.AccessKey.CreateDate.UTC()
	}
	return core.IssuedCredential{
		ApplicationID: identity.ApplicationID,
		ClientIDValue: aws.ToString(out.AccessKey.AccessKeyId),
		SecretValue:   aws.ToString(out.AccessKey.SecretAccessKey),
		IssuedAt:      issued,
	}, nil
}

// --- Verifier ---

// CallerIdentity is what STS reports for a handle's credentials.
type CallerIdentity struct {
	Arn     string `json:"arn"`
	Account string `json:"account"`
	UserID  string `json:"user_id"`
}

// Verifier checks that a handle authenticates as its own service identity.
type Verifier struct {
	f *ClientFactory
}

func NewVerifier(f *ClientFactory) *Verifier {
	return &Verifier{f: f}
}

// Verify performs sts:GetCallerIdentity with the handle's credentials.
func (v *Verifier) Verify(ctx context.Context, h *session.Handle) (CallerIdentity, error) {
	params := map[string]string{"user": h.IdentityHandle, "access_key_id": h.AccessKeyID}
	if err := v.f.begin(ctx, "sts", "GetCallerIdentity", params); err != nil {
		return CallerIdentity{}, err
	}

	cfg := h.AWSConfig()
	if cfg.Region == "" {
		cfg.Region = v.f.Region()
	}
	out, err := v.f.STS(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		v.f.logAPICall(ctx, "sts", "GetCallerIdentity", params, err)
		return CallerIdentity{}, fmt.Errorf("GetCallerIdentity: %w", err)
	}

	ci := CallerIdentity{
		Arn:     aws.ToString(out.Arn),
		Account: aws.ToString(out.Account),
		UserID:  aws.ToString(out.UserId),
	}
	if ci.UserID != h.ApplicationID {
		return ci, fmt.Errorf("handle for %s authenticates as %s, want %s", h.UserID, ci.UserID, h.ApplicationID)
	}
	return ci, nil
}
