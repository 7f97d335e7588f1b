package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/rotation"
	"github.com/hengadev/credvault/secretstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client keeps objects in memory; the func fields override a call.
type mockS3Client struct {
	objects  map[string][]byte
	puts     []*s3.PutObjectInput
	pageSize int

	putObjectFunc     func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	listObjectsV2Func func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params, optFns...)
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.puts = append(m.puts, params)
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// ListObjectsV2 pages by pageSize using the key itself as continuation token.
func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listObjectsV2Func != nil {
		return m.listObjectsV2Func(ctx, params, optFns...)
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) && k > aws.ToString(params.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for i, k := range keys {
		if m.pageSize > 0 && i == m.pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[i-1])
			break
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestBackupStore_PutGet(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	store := NewWithClient(client, Config{Bucket: "backups", Prefix: "/billing/production"})

	require.NoError(t, store.Put(ctx, "jwt-1.json", []byte(`{"path":"jwt"}`)))

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "backups", aws.ToString(put.Bucket))
	assert.Equal(t, "billing/production/jwt-1.json", aws.ToString(put.Key))
	assert.Equal(t, types.ServerSideEncryptionAes256, put.ServerSideEncryption)
	assert.Nil(t, put.SSEKMSKeyId)

	body, err := store.Get(ctx, "jwt-1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"path":"jwt"}`, string(body))

	_, err = store.Get(ctx, "jwt-2.json")
	assert.ErrorIs(t, err, rotation.ErrBackupNotFound)
}

func TestBackupStore_SSEKMS(t *testing.T) {
	client := newMockS3Client()
	store := NewWithClient(client, Config{Bucket: "backups", KMSKeyID: "alias/backups"})

	require.NoError(t, store.Put(context.Background(), "jwt-1.json", []byte("{}")))
	put := client.puts[0]
	assert.Equal(t, "jwt-1.json", aws.ToString(put.Key))
	assert.Equal(t, types.ServerSideEncryptionAwsKms, put.ServerSideEncryption)
	assert.Equal(t, "alias/backups", aws.ToString(put.SSEKMSKeyId))
}

func TestBackupStore_RejectsBadNames(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	store := NewWithClient(client, Config{Bucket: "backups", Prefix: "app/"})

	for _, name := range []string{"", "../other/jwt.json", "nested/jwt.json", ".hidden"} {
		assert.True(t, credvault.IsValidationError(store.Put(ctx, name, []byte("{}"))), name)
		_, err := store.Get(ctx, name)
		assert.True(t, credvault.IsValidationError(err), name)
	}
	assert.Empty(t, client.puts)
}

func TestBackupStore_List(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	client.pageSize = 2
	client.objects = map[string][]byte{
		"app/jwt-2.json":        nil,
		"app/jwt-1.json":        nil,
		"app/flask-1.json":      nil,
		"app/readme.txt":        nil,
		"app/archive/old.json":  nil,
		"other/jwt-9.json":      nil,
		"app/.tmp-partial.json": nil,
	}
	store := NewWithClient(client, Config{Bucket: "backups", Prefix: "app"})

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"flask-1.json", "jwt-1.json", "jwt-2.json"}, names)
}

func TestBackupStore_ErrorTranslation(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "access denied is configuration",
			err:  &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient},
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsConfigurationError(err))
				assert.False(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "slow down is retryable",
			err:  &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultClient},
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "server fault is retryable",
			err:  &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer},
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsRetryable(err))
			},
		},
		{
			name: "other client fault passes through",
			err:  &smithy.GenericAPIError{Code: "InvalidRequest", Fault: smithy.FaultClient},
			check: func(t *testing.T, err error) {
				assert.False(t, credvault.IsRetryable(err))
				assert.False(t, credvault.IsConfigurationError(err))
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
		{
			name: "transport error is retryable",
			err:  errors.New("connection reset by peer"),
			check: func(t *testing.T, err error) {
				assert.True(t, credvault.IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockS3Client()
			client.putObjectFunc = func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				return nil, tt.err
			}
			client.listObjectsV2Func = func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
				return nil, tt.err
			}
			store := NewWithClient(client, Config{Bucket: "backups"})

			tt.check(t, store.Put(context.Background(), "jwt-1.json", []byte("{}")))
			_, err := store.List(context.Background())
			tt.check(t, err)
		})
	}
}

func TestBackupStore_WithOrchestrator(t *testing.T) {
	ctx := context.Background()
	cfg := credvault.DefaultConfig("billing")
	cfg.FallbackSecret = "dev"
	secrets, err := secretstore.New(secretstore.NewMemoryBackend(), cfg,
		secretstore.WithEnvLookup(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	require.NoError(t, secrets.Set(ctx, "jwt", map[string]string{"secret_key": "before"}))

	store := NewWithClient(newMockS3Client(), Config{Bucket: "backups", Prefix: cfg.Namespace()})
	orch, err := rotation.New(secrets, store)
	require.NoError(t, err)

	res, err := orch.Rotate(ctx, rotation.Request{Path: "jwt", Field: "secret_key"})
	require.NoError(t, err)

	names, err := orch.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Backup}, names)

	_, err = orch.Restore(ctx, res.Backup)
	require.NoError(t, err)
	got, err := secrets.Get(ctx, "jwt", secretstore.WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "before", got)
}
