package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

// fakeIAM is an in-memory IAM with just enough behaviour for the adapter.
type fakeIAM struct {
	mu       sync.Mutex
	users    map[string]*iamtypes.User
	policies map[string]string // user/policy -> document
	keys     map[string][]iamtypes.AccessKeyMetadata
	puts     int
	deleted  []string
	nextKey  int
	clock    time.Time

	getUserErr   error
	createErr    error
	putPolicyErr error
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		users:    make(map[string]*iamtypes.User),
		policies: make(map[string]string),
		keys:     make(map[string][]iamtypes.AccessKeyMetadata),
		clock:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeIAM) tick() *time.Time {
	f.clock = f.clock.Add(time.Minute)
	t := f.clock
	return &t
}

func noSuchEntity(what string) error {
	return &iamtypes.NoSuchEntityException{Message: aws.String(what + " not found")}
}

func (f *fakeIAM) GetUser(ctx context.Context, in *iam.GetUserInput, _ ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getUserErr != nil {
		return nil, f.getUserErr
	}
	u, ok := f.users[strings.ToLower(aws.ToString(in.UserName))]
	if !ok {
		return nil, noSuchEntity("user")
	}
	return &iam.GetUserOutput{User: u}, nil
}

func (f *fakeIAM) CreateUser(ctx context.Context, in *iam.CreateUserInput, _ ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := strings.ToLower(aws.ToString(in.UserName))
	if _, ok := f.users[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("exists")}
	}
	u := &iamtypes.User{
		UserName:   in.UserName,
		UserId:     aws.String(fmt.Sprintf("AIDA%04d", len(f.users)+1)),
		Path:       in.Path,
		Tags:       in.Tags,
		CreateDate: f.tick(),
	}
	f.users[name] = u
	return &iam.CreateUserOutput{User: u}, nil
}

// seedUser adds a user the broker did not create.
func (f *fakeIAM) seedUser(name, path string, tags ...iamtypes.Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[strings.ToLower(name)] = &iamtypes.User{
		UserName:   aws.String(name),
		UserId:     aws.String("AIDAPREEXISTING"),
		Path:       aws.String(path),
		Tags:       tags,
		CreateDate: f.tick(),
	}
}

func (f *fakeIAM) GetUserPolicy(ctx context.Context, in *iam.GetUserPolicyInput, _ ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.policies[aws.ToString(in.UserName)+"/"+aws.ToString(in.PolicyName)]
	if !ok {
		return nil, noSuchEntity("policy")
	}
	return &iam.GetUserPolicyOutput{
		UserName:       in.UserName,
		PolicyName:     in.PolicyName,
		PolicyDocument: aws.String(url.PathEscape(doc)),
	}, nil
}

func (f *fakeIAM) PutUserPolicy(ctx context.Context, in *iam.PutUserPolicyInput, _ ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putPolicyErr != nil {
		return nil, f.putPolicyErr
	}
	f.puts++
	f.policies[aws.ToString(in.UserName)+"/"+aws.ToString(in.PolicyName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutUserPolicyOutput{}, nil
}

func (f *fakeIAM) ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, _ ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := append([]iamtypes.AccessKeyMetadata(nil), f.keys[aws.ToString(in.UserName)]...)
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: keys}, nil
}

func (f *fakeIAM) DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, _ ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := aws.ToString(in.UserName)
	id := aws.ToString(in.AccessKeyId)
	kept := f.keys[user][:0]
	for _, k := range f.keys[user] {
		if aws.ToString(k.AccessKeyId) != id {
			kept = append(kept, k)
		}
	}
	f.keys[user] = kept
	f.deleted = append(f.deleted, id)
	return &iam.DeleteAccessKeyOutput{}, nil
}

func (f *fakeIAM) CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, _ ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := aws.ToString(in.UserName)
	if len(f.keys[user]) >= 2 {
		return nil, &iamtypes.LimitExceededException{Message: aws.String("key limit")}
	}
	f.nextKey++
	id := fmt.Sprintf("AKIA%06d", f.nextKey)
	created := f.tick()
	f.keys[user] = append(f.keys[user], iamtypes.AccessKeyMetadata{
		AccessKeyId: aws.String(id),
		UserName:    in.UserName,
		CreateDate:  created,
		Status:      iamtypes.StatusTypeActive,
	})
	return &iam.CreateAccessKeyOutput{AccessKey: &iamtypes.AccessKey{
		AccessKeyId:     aws.String(id),
		SecretAccessKey: aws.String("secret-" + id),
		UserName:        in.UserName,
		CreateDate:      created,
		Status:          iamtypes.StatusTypeActive,
	}}, nil
}

// fakeSTS answers GetCallerIdentity from the access key it was built with.
type fakeSTS struct {
	userID string
	err    error
}

func (s fakeSTS) GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &sts.GetCallerIdentityOutput{
		Arn:     aws.String("arn:aws:iam::123456789012:user/scopebroker/sp-alice"),
		Account: aws.String("123456789012"),
		UserId:  aws.String(s.userID),
	}, nil
}

func newTestFactory(api IAMAPI) *ClientFactory {
	f := NewClientFactory(aws.Config{Region: "us-east-1"}, zerolog.Nop(), 1000, 100)
	f.SetIAM(api)
	return f
}
