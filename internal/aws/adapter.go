// Package aws provides the AWS SDK v2 adapter layer for the credential broker:
// IAM users act as service identities, inline user policies carry the grant
// set, access keys are the issued credentials, and STS verifies handles.
// Every call is rate limited per service and recorded in the audit log.
package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratus-framework/scopebroker/internal/audit"
)

// IAMAPI is the subset of the IAM client the broker uses.
type IAMAPI interface {
	GetUser(ctx context.Context, in *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, in *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	GetUserPolicy(ctx context.Context, in *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	PutUserPolicy(ctx context.Context, in *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
}

// STSAPI is the subset of the STS client the broker uses.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ClientFactory hands out rate-limited, audit-logged AWS clients. IAM calls
// run with the broker's administrative configuration; STS clients are built
// per handle so they authenticate as the service identity.
type ClientFactory struct {
	mu          sync.Mutex
	base        aws.Config
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	auditLogger *audit.Logger

	iamClient IAMAPI
	newSTS    func(aws.Config) STSAPI
}

// NewClientFactory creates a factory over an administrative AWS configuration.
func NewClientFactory(base aws.Config, logger zerolog.Logger, ratePerSec float64, burst int) *ClientFactory {
	return &ClientFactory{
		base:        base,
		rateLimiter: NewRateLimiter(ratePerSec, burst),
		logger:      logger,
		newSTS: func(cfg aws.Config) STSAPI {
			return sts.NewFromConfig(cfg)
		},
	}
}

// LoadAdminConfig loads the broker's own credentials from the default chain,
// optionally from a named shared profile.
func LoadAdminConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(5),
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return cfg, nil
}

// SetAudit enables audit logging of every API call.
func (f *ClientFactory) SetAudit(al *audit.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogger = al
}

// SetIAM replaces the IAM client, typically with a fake in tests.
func (f *ClientFactory) SetIAM(api IAMAPI) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iamClient = api
}

// SetSTSBuilder replaces how per-handle STS clients are built.
func (f *ClientFactory) SetSTSBuilder(fn func(aws.Config) STSAPI) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newSTS = fn
}

// IAM returns the administrative IAM client.
func (f *ClientFactory) IAM() IAMAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iamClient == nil {
		f.iamClient = iam.NewFromConfig(f.base)
	}
	return f.iamClient
}

// STS returns an STS client authenticating with cfg.
func (f *ClientFactory) STS(cfg aws.Config) STSAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newSTS(cfg)
}

// Region is the region of the administrative configuration.
func (f *ClientFactory) Region() string {
	return f.base.Region
}

// begin waits for the service's rate limit and logs the call.
func (f *ClientFactory) begin(ctx context.Context, service, operation string, params map[string]string) error {
	if err := f.rateLimiter.Wait(ctx, service); err != nil {
		return fmt.Errorf("%s:%s rate limit: %w", service, operation, err)
	}
	f.logAPICall(ctx, service, operation, params, nil)
	return nil
}

// logAPICall records an API call to both the structured logger and the audit database.
func (f *ClientFactory) logAPICall(ctx context.Context, service, operation string, params map[string]string, err error) {
	ev := f.logger.Debug()
	if err != nil {
		ev = f.logger.Warn().Err(err)
	}
	ev.Str("service", service).Str("operation", operation).Msg("aws api call")

	f.mu.Lock()
	al := f.auditLogger
	f.mu.Unlock()
	if al == nil {
		return
	}

	detail := map[string]string{
		"service":   service,
		"operation": operation,
	}
	for k, v := range params {
		detail[k] = v
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	act := audit.ActivationFrom(ctx)
	if logErr := al.Log(context.WithoutCancel(ctx), audit.EventAPICall, act.ID, act.UserID, detail); logErr != nil {
		f.logger.Error().Err(logErr).Msg("writing api call audit record")
	}
}

// --- Rate Limiter ---

// RateLimiter keeps one token bucket per AWS service.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(service string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.limiters[service]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok = rl.limiters[service]; ok {
		return l
	}
	l = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[service] = l
	return l
}

// Wait blocks until the service's limiter admits a call or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, service string) error {
	return rl.limiter(service).Wait(ctx)
}
