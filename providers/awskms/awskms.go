// Package awskms implements envelope.KMS with AWS Key Management Service.
//
// Data keys come from GenerateDataKey (AES-256) and are unwrapped with
// Decrypt. The encryption context is passed to both calls, so AWS KMS itself
// refuses to unwrap a key under a different context.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
)

// kmsClient is the subset of *kms.Client used here (allows mocking).
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements envelope.KMS using AWS KMS.
type KMSService struct {
	client kmsClient
	region string
}

// Config holds configuration for AWS KMS service.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config
}

// New creates a new AWS KMS service instance.
//
// Usage:
//
//	kmsService, err := awskms.New(ctx, awskms.Config{Region: "us-east-1"})
//	svc, err := envelope.New(kmsService, cfg)
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}

		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", credvault.ErrConfiguration, err)
		}
	}

	return &KMSService{
		client: kms.NewFromConfig(awsConfig),
		region: awsConfig.Region,
	}, nil
}

// KeyID resolves a master key reference to its key ID.
//
// In AWS KMS, aliases are in the format "alias/your-key-name". Bare names
// get the prefix added; key IDs and ARNs are passed through.
func (k *KMSService) KeyID(ctx context.Context, masterKeyID string) (string, error) {
	if masterKeyID == "" {
		return "", credvault.NewConfigurationError("masterKeyID", "KMS key reference cannot be empty")
	}

	result, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(keyRef(masterKeyID)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe KMS key %s: %w", masterKeyID, translate(err))
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", credvault.NewBackendUnavailableError("aws-kms", fmt.Errorf("no key metadata returned for %s", masterKeyID))
	}
	if !result.KeyMetadata.Enabled {
		return "", credvault.NewConfigurationError("masterKeyID", fmt.Sprintf("KMS key %s is disabled", masterKeyID))
	}
	return *result.KeyMetadata.KeyId, nil
}

// GenerateDataKey returns a fresh AES-256 data key and its wrapped form.
func (k *KMSService) GenerateDataKey(ctx context.Context, masterKeyID string, encCtx map[string]string) (*envelope.DataKey, error) {
	if masterKeyID == "" {
		return nil, credvault.NewConfigurationError("masterKeyID", "KMS key reference cannot be empty")
	}

	result, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(keyRef(masterKeyID)),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: encCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("generate data key with %s: %w", masterKeyID, translate(err))
	}
	if len(result.Plaintext) == 0 || len(result.CiphertextBlob) == 0 {
		return nil, credvault.NewBackendUnavailableError("aws-kms", errors.New("empty data key returned"))
	}

	return &envelope.DataKey{Plaintext: result.Plaintext, Encrypted: result.CiphertextBlob}, nil
}

// Decrypt unwraps a data key. The ciphertext blob names its own key, so
// masterKeyID only pins the expected key.
func (k *KMSService) Decrypt(ctx context.Context, masterKeyID string, encryptedKey []byte, encCtx map[string]string) ([]byte, error) {
	if len(encryptedKey) == 0 {
		return nil, fmt.Errorf("%w: empty data key", envelope.ErrMalformedCiphertext)
	}

	input := &kms.DecryptInput{
		CiphertextBlob:    encryptedKey,
		EncryptionContext: encCtx,
	}
	if masterKeyID != "" {
		input.KeyId = aws.String(keyRef(masterKeyID))
	}

	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("decrypt data key: %w", translate(err))
	}
	if result.Plaintext == nil {
		return nil, credvault.NewBackendUnavailableError("aws-kms", errors.New("no plaintext returned"))
	}
	return result.Plaintext, nil
}

// Region returns the AWS region this KMS service is configured for.
func (k *KMSService) Region() string {
	return k.region
}

// keyRef adds the "alias/" prefix to bare key names.
func keyRef(id string) string {
	if strings.HasPrefix(id, "alias/") || strings.HasPrefix(id, "arn:") || looksLikeKeyID(id) {
		return id
	}
	return "alias/" + id
}

// looksLikeKeyID matches the 36 character UUID form of a KMS key ID.
func looksLikeKeyID(id string) bool {
	return len(id) == 36 && strings.Count(id, "-") == 4
}

// translate maps AWS errors onto the credvault taxonomy.
func translate(err error) error {
	var (
		invalidCiphertext *types.InvalidCiphertextException
		incorrectKey      *types.IncorrectKeyException
		notFound          *types.NotFoundException
		disabled          *types.DisabledException
		invalidState      *types.KMSInvalidStateException
	)
	switch {
	case errors.As(err, &invalidCiphertext), errors.As(err, &incorrectKey):
		return fmt.Errorf("%w: %w", envelope.ErrContextMismatch, err)
	case errors.As(err, &notFound), errors.As(err, &disabled), errors.As(err, &invalidState):
		return fmt.Errorf("%w: %w", credvault.ErrConfiguration, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && !isThrottle(apiErr.ErrorCode()) {
		return err
	}
	// server faults, throttling, timeouts and transport errors
	return credvault.NewBackendUnavailableError("aws-kms", err)
}

func isThrottle(code string) bool {
	switch code {
	case "ThrottlingException", "Throttling", "TooManyRequestsException", "RequestLimitExceeded", "LimitExceededException":
		return true
	}
	return false
}
