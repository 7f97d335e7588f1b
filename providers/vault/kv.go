package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/secretstore"
)

// DefaultKVMount is where `vault secrets enable -path=secret kv-v2` mounts
// the engine.
const DefaultKVMount = "secret"

// KVBackend implements secretstore.Backend over a KV v2 mount.
//
// Each logical secret path maps to {mount}/data/{path}; Write passes the
// check-and-set version through so concurrent rotations cannot overwrite
// each other.
type KVBackend struct {
	client *api.Client
	mount  string
}

// NewKVBackend uses mount, or DefaultKVMount when empty.
func NewKVBackend(client *api.Client, mount string) *KVBackend {
	if mount == "" {
		mount = DefaultKVMount
	}
	return &KVBackend{client: client, mount: strings.Trim(mount, "/")}
}

func (k *KVBackend) Read(ctx context.Context, path string) (*secretstore.Secret, error) {
	kv, err := k.client.KVv2(k.mount).Get(ctx, path)
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, credvault.NewNotFoundError("secret", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, translate(err))
	}
	// a deleted latest version reads back without data
	if kv == nil || kv.Data == nil {
		return nil, credvault.NewNotFoundError("secret", path)
	}

	secret := &secretstore.Secret{
		Path: path,
		Data: stringMap(kv.Data),
	}
	if kv.VersionMetadata != nil {
		secret.Version = kv.VersionMetadata.Version
	}
	if len(kv.CustomMetadata) > 0 {
		secret.Context = stringMap(kv.CustomMetadata)
	}
	return secret, nil
}

func (k *KVBackend) Write(ctx context.Context, path string, data map[string]string, cas *int) (int, error) {
	payload := make(map[string]interface{}, len(data))
	for key, v := range data {
		payload[key] = v
	}

	var opts []api.KVOption
	if cas != nil {
		opts = append(opts, api.WithCheckAndSet(*cas))
	}

	kv, err := k.client.KVv2(k.mount).Put(ctx, path, payload, opts...)
	if err != nil {
		if responseMentions(err, "check-and-set") {
			return 0, fmt.Errorf("%w: %s: %w", secretstore.ErrVersionConflict, path, err)
		}
		return 0, fmt.Errorf("write %s: %w", path, translate(err))
	}
	if kv == nil || kv.VersionMetadata == nil {
		return 0, nil
	}
	return kv.VersionMetadata.Version, nil
}

// List walks {mount}/metadata/{prefix} recursively and returns full secret
// paths.
func (k *KVBackend) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.Trim(prefix, "/")
	var out []string
	if err := k.list(ctx, prefix, &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (k *KVBackend) list(ctx context.Context, dir string, out *[]string) error {
	resp, err := k.client.Logical().ListWithContext(ctx, k.mount+"/metadata/"+dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, translate(err))
	}
	if resp == nil || resp.Data == nil {
		return nil
	}
	keys, _ := resp.Data["keys"].([]interface{})
	for _, raw := range keys {
		name, ok := raw.(string)
		if !ok {
			continue
		}
		child := strings.TrimPrefix(dir+"/"+strings.TrimSuffix(name, "/"), "/")
		if strings.HasSuffix(name, "/") {
			if err := k.list(ctx, child, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, child)
	}
	return nil
}

func stringMap(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
