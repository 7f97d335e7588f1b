// Package s3bucket stores rotation backups as objects in an S3 bucket.
//
// Objects are written under an optional key prefix with server-side
// encryption. Backups sealed by the rotation orchestrator stay sealed; SSE
// is a second layer, not a replacement.
package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/rotation"
)

// AWSS3API is the subset of *s3.Client used by BackupStore.
type AWSS3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds the bucket settings.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key, e.g. "billing/production/".
	Prefix string
	// KMSKeyID selects SSE-KMS. Empty means SSE-S3 (AES256).
	KMSKeyID string
	Region   string
	// AWSConfig is an optional pre-configured AWS config. If provided,
	// Region is ignored.
	AWSConfig *aws.Config
}

// BackupStore implements rotation.BackupStore on S3.
type BackupStore struct {
	client   AWSS3API
	bucket   string
	prefix   string
	kmsKeyID string
}

var _ rotation.BackupStore = (*BackupStore)(nil)

// New loads the AWS configuration and returns a store for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*BackupStore, error) {
	if cfg.Bucket == "" {
		return nil, credvault.NewConfigurationError("bucket", "an S3 bucket name is required")
	}

	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", credvault.ErrConfiguration, err)
		}
	}
	return NewWithClient(s3.NewFromConfig(awsConfig), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client AWSS3API, cfg Config) *BackupStore {
	prefix := strings.TrimLeft(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BackupStore{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		kmsKeyID: cfg.KMSKeyID,
	}
}

func (s *BackupStore) Put(ctx context.Context, name string, body []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + name),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if s.kmsKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.kmsKeyID)
	} else {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return translate(fmt.Sprintf("put %s", name), err)
	}
	return nil
}

func (s *BackupStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", rotation.ErrBackupNotFound, name)
		}
		return nil, translate(fmt.Sprintf("get %s", name), err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, credvault.NewBackendUnavailableError("s3", fmt.Errorf("read %s: %w", name, err))
	}
	return body, nil
}

// List returns the names of the .json objects directly under the prefix.
func (s *BackupStore) List(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate("list", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if checkName(name) != nil || !strings.HasSuffix(name, ".json") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		return credvault.NewValidationError("backup", fmt.Sprintf("invalid backup name %q", name))
	}
	return nil
}

// translate keeps client faults (bad bucket, access denied) as they are and
// marks everything else retryable.
func translate(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: s3 %s: %w", credvault.ErrConfiguration, op, err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient && apiErr.ErrorCode() != "SlowDown" {
			return fmt.Errorf("s3 %s: %w", op, err)
		}
	}
	return credvault.NewBackendUnavailableError("s3", fmt.Errorf("%s: %w", op, err))
}
