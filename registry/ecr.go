package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/sts"
	"go.uber.org/zap"
)

// stsAPI is the subset of the STS client the resolver uses.
type stsAPI interface {
	GetCallerIdentityWithContext(ctx aws.Context, input *sts.GetCallerIdentityInput, opts ...request.Option) (*sts.GetCallerIdentityOutput, error)
}

// ecrAPI is the subset of the ECR client the resolver uses.
type ecrAPI interface {
	CreateRepositoryWithContext(ctx aws.Context, input *ecr.CreateRepositoryInput, opts ...request.Option) (*ecr.CreateRepositoryOutput, error)
}

// ECRResolver derives the account-scoped registry URL from the caller's AWS
// identity. It backs the registry.url fallback when provisioning produced no
// registry output and the operator supplied none.
type ECRResolver struct {
	region string
	lggr   *zap.SugaredLogger
	sts    stsAPI
	ecr    ecrAPI
}

// ECRResolverOption configures an ECRResolver.
type ECRResolverOption func(*ECRResolver)

// WithSTSClient replaces the STS client, for tests.
func WithSTSClient(client stsAPI) ECRResolverOption {
	return func(r *ECRResolver) {
		r.sts = client
	}
}

// WithECRClient replaces the ECR client, for tests.
func WithECRClient(client ecrAPI) ECRResolverOption {
	return func(r *ECRResolver) {
		r.ecr = client
	}
}

// NewECRResolver creates a resolver for the given region using the ambient
// AWS credential chain.
func NewECRResolver(region string, lggr *zap.SugaredLogger, opts ...ECRResolverOption) (*ECRResolver, error) {
	if region == "" {
		return nil, errors.New("aws region is required to resolve an ECR registry")
	}

	r := &ECRResolver{region: region, lggr: lggr}
	for _, opt := range opts {
		opt(r)
	}

	if r.sts == nil || r.ecr == nil {
		sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("creating aws session: %w", err)
		}
		if r.sts == nil {
			r.sts = sts.New(sess)
		}
		if r.ecr == nil {
			r.ecr = ecr.New(sess)
		}
	}

	return r, nil
}

// RegistryURL resolves the account-scoped ECR registry hostname.
func (r *ECRResolver) RegistryURL(ctx context.Context) (string, error) {
	identity, err := r.sts.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving aws account: %w", err)
	}

	account := aws.StringValue(identity.Account)
	url := fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", account, r.region)
	r.lggr.Infow("Resolved ECR registry", "account", account, "region", r.region)

	return url, nil
}

// EnsureRepository creates the repository if it does not exist yet. Creation
// is idempotent: an already-existing repository is not an error.
func (r *ECRResolver) EnsureRepository(ctx context.Context, repository string) error {
	_, err := r.ecr.CreateRepositoryWithContext(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(repository),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ecr.ErrCodeRepositoryAlreadyExistsException {
			return nil
		}

		return fmt.Errorf("ensuring repository %s: %w", repository, err)
	}

	return nil
}
