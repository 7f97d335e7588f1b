package vault

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/require"
)

type kvEntry struct {
	version int
	data    map[string]interface{}
}

type wrappedKey struct {
	context   string
	plaintext string
}

// fakeVault speaks just enough of the Vault HTTP API for the KV v2 and
// Transit calls made by this package.
type fakeVault struct {
	mu      sync.Mutex
	kv      map[string]*kvEntry
	keys    map[string]wrappedKey
	created map[string]map[string]interface{}
	sealed  bool
	counter int
}

func newFakeVault(t *testing.T) (*fakeVault, *api.Client) {
	t.Helper()
	fv := &fakeVault{
		kv:      make(map[string]*kvEntry),
		keys:    make(map[string]wrappedKey),
		created: make(map[string]map[string]interface{}),
	}
	srv := httptest.NewServer(fv)
	t.Cleanup(srv.Close)

	client, err := NewClient(t.Context(), ClientConfig{Address: srv.URL, Token: "root"})
	require.NoError(t, err)
	return fv, client
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func vaultErrors(w http.ResponseWriter, status int, msgs ...string) {
	writeJSON(w, status, map[string]interface{}{"errors": msgs})
}

func metadata(version int) map[string]interface{} {
	return map[string]interface{}{
		"version":       version,
		"created_time":  "2026-03-01T12:00:00Z",
		"deletion_time": "",
		"destroyed":     false,
	}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealed {
		vaultErrors(w, http.StatusServiceUnavailable, "Vault is sealed")
		return
	}

	var body map[string]interface{}
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case path == "auth/approle/login":
		if body["role_id"] != "role" || body["secret_id"] != "secret" {
			vaultErrors(w, http.StatusBadRequest, "invalid role or secret ID")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{"client_token": "s.approle"},
		})

	case strings.HasPrefix(path, "secret/data/"):
		f.serveKV(w, r, strings.TrimPrefix(path, "secret/data/"), body)

	case strings.HasPrefix(path, "secret/metadata/"):
		f.serveList(w, strings.TrimSuffix(strings.TrimPrefix(path, "secret/metadata/"), "/"))

	case strings.HasPrefix(path, "transit/keys/"):
		f.created[strings.TrimPrefix(path, "transit/keys/")] = body
		w.WriteHeader(http.StatusNoContent)

	case strings.HasPrefix(path, "transit/datakey/plaintext/"):
		f.counter++
		plaintext := base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(rune('a'+f.counter%26)), 32)))
		ciphertext := "vault:v1:" + base64.StdEncoding.EncodeToString([]byte{byte(f.counter)})
		f.keys[ciphertext] = wrappedKey{context: body["context"].(string), plaintext: plaintext}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"plaintext": plaintext, "ciphertext": ciphertext, "key_version": 1},
		})

	case strings.HasPrefix(path, "transit/decrypt/"):
		wrapped, ok := f.keys[body["ciphertext"].(string)]
		if !ok || wrapped.context != body["context"] {
			vaultErrors(w, http.StatusBadRequest, "cipher: message authentication failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"plaintext": wrapped.plaintext},
		})

	default:
		vaultErrors(w, http.StatusNotFound)
	}
}

func (f *fakeVault) serveKV(w http.ResponseWriter, r *http.Request, path string, body map[string]interface{}) {
	entry := f.kv[path]
	switch r.Method {
	case http.MethodGet:
		if entry == nil {
			vaultErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"data": entry.data, "metadata": metadata(entry.version)},
		})
	case http.MethodPut, http.MethodPost:
		current := 0
		if entry != nil {
			current = entry.version
		}
		if opts, ok := body["options"].(map[string]interface{}); ok {
			if cas, ok := opts["cas"].(float64); ok && int(cas) != current {
				vaultErrors(w, http.StatusBadRequest, "check-and-set parameter did not match the current version")
				return
			}
		}
		data, _ := body["data"].(map[string]interface{})
		f.kv[path] = &kvEntry{version: current + 1, data: data}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": metadata(current + 1)})
	default:
		vaultErrors(w, http.StatusMethodNotAllowed)
	}
}

func (f *fakeVault) serveList(w http.ResponseWriter, dir string) {
	seen := map[string]bool{}
	var keys []string
	for p := range f.kv {
		if !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		if !seen[rest] {
			seen[rest] = true
			keys = append(keys, rest)
		}
	}
	if len(keys) == 0 {
		vaultErrors(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"keys": keys}})
}
