package awskms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock KMS client for testing
type mockKMSClient struct {
	describeKeyFunc     func(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	generateDataKeyFunc func(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	decryptFunc         func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

func (m *mockKMSClient) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if m.describeKeyFunc != nil {
		return m.describeKeyFunc(ctx, params, optFns...)
	}
	return &kms.DescribeKeyOutput{}, nil
}

func (m *mockKMSClient) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if m.generateDataKeyFunc != nil {
		return m.generateDataKeyFunc(ctx, params, optFns...)
	}
	return &kms.GenerateDataKeyOutput{}, nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, params, optFns...)
	}
	return &kms.DecryptOutput{}, nil
}

// wrappingKMS behaves like KMS for data keys: the blob only unwraps under
// the context it was generated with.
func wrappingKMS() *mockKMSClient {
	type wrapped struct {
		plaintext []byte
		encCtx    map[string]string
	}
	blobs := map[string]wrapped{}
	n := 0
	return &mockKMSClient{
		generateDataKeyFunc: func(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
			n++
			plaintext := make([]byte, 32)
			plaintext[0] = byte(n)
			blob := []byte(fmt.Sprintf("blob-%d", n))
			blobs[string(blob)] = wrapped{plaintext: plaintext, encCtx: params.EncryptionContext}
			return &kms.GenerateDataKeyOutput{Plaintext: append([]byte(nil), plaintext...), CiphertextBlob: blob, KeyId: params.KeyId}, nil
		},
		decryptFunc: func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			w, ok := blobs[string(params.CiphertextBlob)]
			if !ok || !reflect.DeepEqual(normalize(w.encCtx), normalize(params.EncryptionContext)) {
				return nil, &types.InvalidCiphertextException{Message: aws.String("The ciphertext is invalid")}
			}
			return &kms.DecryptOutput{Plaintext: append([]byte(nil), w.plaintext...)}, nil
		},
	}
}

func normalize(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	svc, err := New(ctx, Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", svc.Region())
	assert.NotNil(t, svc.client)

	svc, err = New(ctx, Config{AWSConfig: &aws.Config{Region: "eu-west-1"}})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", svc.Region())
}

func TestKeyRef(t *testing.T) {
	tests := map[string]string{
		"billing-fields":       "alias/billing-fields",
		"alias/billing-fields": "alias/billing-fields",
		"arn:aws:kms:us-east-1:123456789012:key/1234abcd-12ab-34cd-56ef-1234567890ab": "arn:aws:kms:us-east-1:123456789012:key/1234abcd-12ab-34cd-56ef-1234567890ab",
		"1234abcd-12ab-34cd-56ef-1234567890ab": "1234abcd-12ab-34cd-56ef-1234567890ab",
	}
	for in, want := range tests {
		assert.Equal(t, want, keyRef(in), in)
	}
}

func TestKeyID(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		enabled bool
		err     error
		wantErr func(error) bool
	}{
		{name: "enabled key", enabled: true},
		{name: "disabled key", wantErr: credvault.IsConfigurationError},
		{name: "unknown alias", err: &types.NotFoundException{Message: aws.String("Alias not found")}, wantErr: credvault.IsConfigurationError},
		{name: "network down", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, wantErr: credvault.IsRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKeyID string
			svc := &KMSService{client: &mockKMSClient{
				describeKeyFunc: func(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
					gotKeyID = aws.ToString(params.KeyId)
					if tt.err != nil {
						return nil, tt.err
					}
					return &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{
						KeyId:   aws.String("1234abcd-12ab-34cd-56ef-1234567890ab"),
						Enabled: tt.enabled,
					}}, nil
				},
			}}

			id, err := svc.KeyID(ctx, "billing-fields")
			assert.Equal(t, "alias/billing-fields", gotKeyID)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "1234abcd-12ab-34cd-56ef-1234567890ab", id)
		})
	}

	_, err := (&KMSService{client: &mockKMSClient{}}).KeyID(ctx, "")
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestGenerateDataKey_PassesContext(t *testing.T) {
	var got *kms.GenerateDataKeyInput
	svc := &KMSService{client: &mockKMSClient{
		generateDataKeyFunc: func(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
			got = params
			return &kms.GenerateDataKeyOutput{Plaintext: make([]byte, 32), CiphertextBlob: []byte("blob")}, nil
		},
	}}
	encCtx := map[string]string{"table": "users"}

	dk, err := svc.GenerateDataKey(context.Background(), "alias/billing-fields", encCtx)
	require.NoError(t, err)
	assert.Len(t, dk.Plaintext, 32)
	assert.Equal(t, []byte("blob"), dk.Encrypted)
	assert.Equal(t, "alias/billing-fields", aws.ToString(got.KeyId))
	assert.Equal(t, types.DataKeySpecAes256, got.KeySpec)
	assert.Equal(t, encCtx, got.EncryptionContext)
}

func TestGenerateDataKey_EmptyResponse(t *testing.T) {
	svc := &KMSService{client: &mockKMSClient{}}
	_, err := svc.GenerateDataKey(context.Background(), "alias/billing-fields", nil)
	assert.True(t, credvault.IsRetryable(err))
}

func TestDecrypt_ErrorTranslation(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "invalid ciphertext is a context mismatch",
			err:  &types.InvalidCiphertextException{Message: aws.String("invalid")},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, envelope.ErrContextMismatch)
				assert.False(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "incorrect key is a context mismatch",
			err:  &types.IncorrectKeyException{Message: aws.String("wrong key")},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, envelope.ErrContextMismatch)
			},
		},
		{
			name: "internal error is retryable",
			err:  &types.KMSInternalException{Message: aws.String("boom")},
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "throttling is retryable",
			err:  &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded", Fault: smithy.FaultClient},
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "other client errors pass through",
			err:  &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied", Fault: smithy.FaultClient},
			check: func(t *testing.T, err error) {
				assert.False(t, credvault.IsRetryable(err))
				assert.Contains(t, err.Error(), "AccessDeniedException")
			},
		},
		{
			name: "network error is retryable",
			err:  &net.OpError{Op: "dial", Err: errors.New("no route to host")},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, credvault.ErrBackendUnavailable)
			},
		},
		{
			name: "cancellation passes through",
			err:  context.Canceled,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, context.Canceled)
				assert.False(t, credvault.IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &KMSService{client: &mockKMSClient{
				decryptFunc: func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
					return nil, tt.err
				},
			}}
			_, err := svc.Decrypt(context.Background(), "alias/billing-fields", []byte("blob"), nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestDecrypt_EmptyBlob(t *testing.T) {
	svc := &KMSService{client: &mockKMSClient{}}
	_, err := svc.Decrypt(context.Background(), "alias/billing-fields", nil, nil)
	assert.ErrorIs(t, err, envelope.ErrMalformedCiphertext)
}

func TestKMSService_WithEnvelopeService(t *testing.T) {
	ctx := context.Background()
	cfg := credvault.DefaultConfig("billing")
	cfg.MasterKeyID = "alias/billing-fields"

	svc, err := envelope.New(&KMSService{client: wrappingKMS()}, cfg)
	require.NoError(t, err)

	encCtx := map[string]string{"table": "users", "column": "ssn", "row": "42"}
	stored, err := svc.EncryptString(ctx, "078-05-1120", encCtx)
	require.NoError(t, err)

	got, err := svc.DecryptString(ctx, stored, encCtx)
	require.NoError(t, err)
	assert.Equal(t, "078-05-1120", got)

	_, err = svc.DecryptString(ctx, stored, map[string]string{"table": "users", "column": "ssn", "row": "43"})
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailed)
}
