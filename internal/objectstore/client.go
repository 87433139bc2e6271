// Package objectstore is the gateway's Object-Store Client: bucket ensure,
// streamed PUT with retry/backoff, head/stat, and metadata header
// sanitization (spec.md §4.2), adapted from the teacher's
// adapters/s3/client.go ClientManager.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"

	"github.com/ingestgw/uploadgw"
)

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	Config *uploadgw.Config
	Logger uploadgw.Logger
}

// Client wraps an S3-compatible client and a streaming uploader, the
// gateway's Object-Store Client (spec.md §4.2).
type Client struct {
	s3Client *s3.Client
	uploader *manager.Uploader
	config   *uploadgw.Config
	logger   uploadgw.Logger
}

// New creates a new Client from the configuration. It makes no remote call;
// the bucket is neither checked nor created here (see EnsureBucket).
func New(ctx context.Context, clientConfig ClientConfig) (*Client, error) {
	if clientConfig.Config == nil {
		return nil, fmt.Errorf("objectstore: config cannot be nil")
	}

	logger := clientConfig.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}

	cfg := clientConfig.Config

	logger.Debug("creating object-store client",
		"bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint, "use_path_style", cfg.UsePathStyle)

	awsConfig, credSource, err := buildAWSConfigWithLoader(ctx, cfg, logger, func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
		return config.LoadDefaultConfig(ctx, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: build AWS config: %w", err)
	}

	logger.Info("credential source selected", "credSource", credSource)

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.GetEndpointURL())
		}
		o.RetryMaxAttempts = cfg.MaxRetries
		o.RetryMode = aws.RetryModeAdaptive
		o.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	})

	uploader := manager.NewUploader(s3Client)

	client := &Client{
		s3Client: s3Client,
		uploader: uploader,
		config:   cfg,
		logger:   logger,
	}

	logger.Info("object-store client created", "bucket", cfg.Bucket, "region", cfg.Region)

	return client, nil
}

type awsConfigLoader func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error)

// buildAWSConfigWithLoader builds an AWS config using the supplied loader
// (testable) and returns the detected credential source, one of "static",
// "profile", "sdk-default", "assumed-role".
func buildAWSConfigWithLoader(ctx context.Context, cfg *uploadgw.Config, logger uploadgw.Logger, loader awsConfigLoader) (aws.Config, string, error) {
	var options []func(*config.LoadOptions) error
	credSource := "unknown"

	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}

	if !cfg.UseSDKDefaults {
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
			options = append(options, config.WithCredentialsProvider(credProvider))
			credSource = "static"
		} else if cfg.Profile != "" {
			options = append(options, config.WithSharedConfigProfile(cfg.Profile))
			credSource = "profile"
		} else {
			return aws.Config{}, credSource, fmt.Errorf("use_sdk_defaults is false but no explicit credentials provided (access_key/secret_key or profile)")
		}
	} else {
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
			options = append(options, config.WithCredentialsProvider(credProvider))
			credSource = "static"
		} else if cfg.Profile != "" {
			options = append(options, config.WithSharedConfigProfile(cfg.Profile))
			credSource = "profile"
		}
	}

	options = append(options, config.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = cfg.MaxRetries
			o.MaxBackoff = cfg.BackoffMax
			o.Backoff = createBackoffStrategy(cfg)
		})
	}))

	awsConfig, err := loader(ctx, options...)
	if err != nil {
		return aws.Config{}, credSource, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	if credSource == "unknown" {
		credSource = "sdk-default"
	}

	if cfg.RoleARN != "" {
		logger.Info("config requests STS AssumeRole", "roleArn", cfg.RoleARN)

		stsClient := sts.NewFromConfig(awsConfig)
		assumeProv := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = &cfg.ExternalID
			}
			o.RoleSessionName = "uploadgw-assume-role"
		})

		awsConfig.Credentials = aws.NewCredentialsCache(assumeProv)
		credSource = "assumed-role"
	}

	return awsConfig, credSource, nil
}

// createBackoffStrategy wires cenkalti/backoff's exponential backoff into
// the AWS SDK retryer: the delay before retry n is the n-th step of a
// sequence starting at BackoffInitial and doubling up to BackoffMax (about
// 1s, 2s, 4s with the defaults).
func createBackoffStrategy(cfg *uploadgw.Config) retry.BackoffDelayerFunc {
	return func(attempt int, err error) (time.Duration, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.MaxElapsedTime = 0
		b.Multiplier = 2.0
		b.RandomizationFactor = 0.1
		b.Reset()

		var delay time.Duration
		for i := 0; i < attempt; i++ {
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
		}

		return delay, nil
	}
}

// BucketExists checks if the configured bucket exists and is accessible.
func (c *Client) BucketExists(ctx context.Context) (bool, error) {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	if err != nil {
		var notFound *s3Types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: check bucket existence: %w", err)
	}
	return true, nil
}

// EnsureBucket creates the bucket if it doesn't exist, idempotent
// (spec.md §4.2 ensureBucket).
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("objectstore: ensure bucket: %w", err)
	}
	if exists {
		return nil
	}

	c.logger.Info("creating bucket", "bucket", c.config.Bucket)

	input := &s3.CreateBucketInput{Bucket: aws.String(c.config.Bucket)}
	if c.config.Region != "" && c.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(c.config.Region),
		}
	}

	if _, err := c.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("objectstore: create bucket %q: %w", c.config.Bucket, err)
	}

	c.logger.Info("bucket created", "bucket", c.config.Bucket)
	return nil
}

// Close performs client cleanup. The AWS SDK clients require none, but the
// method exists so Client satisfies io.Closer for fx lifecycle hooks.
func (c *Client) Close() error { return nil }
