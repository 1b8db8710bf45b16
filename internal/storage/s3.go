package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/internal/util"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"
)

// S3Params configures the S3 client. Endpoint selects an S3 compatible
// server such as MinIO and switches to path-style addressing.
type S3Params struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client creates a client with static credentials.
func NewS3Client(ctx context.Context, params S3Params) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.Endpoint != ""
	}), nil
}

// ObjectAPI is the subset of the S3 client used by S3Store.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3StoreParams configures an S3Store.
//
// PublicEndpoint, when set, is the externally reachable base URL used for
// presigned links; it may carry a path prefix added by a reverse proxy.
type NewS3StoreParams struct {
	Bucket         string
	Prefix         string
	PublicEndpoint string
	LinkExpiry     time.Duration

	MaxTries int
	Backoff  util.Backoff

	// BreakerFailures consecutive failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// S3Store keeps results in an S3 bucket. Calls go through a circuit breaker
// so an unreachable bucket fails jobs fast instead of stalling workers.
type S3Store struct {
	client  ObjectAPI
	params  NewS3StoreParams
	breaker *gobreaker.CircuitBreaker
}

// NewS3Store returns a store writing through client.
func NewS3Store(client ObjectAPI, params NewS3StoreParams) *S3Store {
	if params.LinkExpiry <= 0 {
		params.LinkExpiry = 15 * time.Minute
	}
	if params.MaxTries <= 0 {
		params.MaxTries = 3
	}
	if params.BreakerFailures == 0 {
		params.BreakerFailures = 5
	}
	if params.BreakerTimeout <= 0 {
		params.BreakerTimeout = 30 * time.Second
	}
	params.Prefix = strings.Trim(params.Prefix, "/")

	failures := params.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3-results",
		MaxRequests: 1,
		Timeout:     params.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[Storage] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &S3Store{client: client, params: params, breaker: breaker}
}

func (s *S3Store) objectKey(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.params.Prefix == "" {
		return key, nil
	}
	return path.Join(s.params.Prefix, key), nil
}

func (s *S3Store) execute(fn func() (any, error)) (any, error) {
	out, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("result storage unavailable: %w", err)
	}
	return out, err
}

// Put buffers r so that failed uploads can be retried with the same body.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read result: %w", err)
	}

	_, err = s.execute(func() (any, error) {
		return nil, util.RetryErrWithContext(ctx, s.params.MaxTries, s.params.Backoff, func(ctx context.Context) error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.params.Bucket),
				Key:         aws.String(objectKey),
				Body:        bytes.NewReader(content),
				ContentType: aws.String(ContentType(objectKey)),
			})
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.params.Bucket, objectKey), nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.execute(func() (any, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.params.Bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var missing *types.NoSuchKey
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return nil, err
		}
		return out.Body, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get result from S3: %w", err)
	}
	return out.(io.ReadCloser), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.execute(func() (any, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.params.Bucket),
			Key:    aws.String(objectKey),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to delete result from S3: %w", err)
	}
	return nil
}

// Link returns a presigned GET URL for key. It needs the concrete client
// for its credentials.
func (s *S3Store) Link(ctx context.Context, key string) (string, error) {
	client, ok := s.client.(*s3.Client)
	if !ok {
		return "", errors.New("presigned links need an S3 client")
	}
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}

	presignClient := client
	prefix := ""
	if s.params.PublicEndpoint != "" {
		publicURL, err := url.Parse(s.params.PublicEndpoint)
		if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
			return "", fmt.Errorf("invalid public endpoint: %s", s.params.PublicEndpoint)
		}
		prefix = strings.TrimSuffix(publicURL.Path, "/")

		// Sign against the public host so the signature matches the Host
		// header the downloading client sends.
		presignClient = s3.NewFromConfig(
			aws.Config{
				Region:      client.Options().Region,
				Credentials: client.Options().Credentials,
				HTTPClient:  client.Options().HTTPClient,
			},
			func(o *s3.Options) {
				o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", publicURL.Scheme, publicURL.Host))
				o.UsePathStyle = true
			},
		)
	}

	out, err := s3.NewPresignClient(presignClient).PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.params.Bucket),
			Key:    aws.String(objectKey),
		},
		s3.WithPresignExpires(s.params.LinkExpiry),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate download link: %w", err)
	}
	if prefix == "" {
		return out.URL, nil
	}

	signedURL, err := url.Parse(out.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse presigned url: %w", err)
	}
	signedURL.Path = prefix + signedURL.Path
	return signedURL.String(), nil
}
