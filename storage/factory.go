package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// StoreFactory creates secret stores from URI strings.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a secret store from a location URI.
//
// Supported schemes:
//   - vault://host:port/mount/path?token=...&insecure=true — HashiCorp Vault
//     KV v2; the token may also come from the VAULT_TOKEN environment
//     variable; insecure=true selects plain http for local development
//   - file:///absolute/path — local file system store
//   - memory:// — process-local store for tests
func (f *StoreFactory) StoreFor(locationURI string) (interfaces.SecretStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "vault":
		return f.createVaultStore(u)
	case "file":
		return f.createFileStore(u)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

// createVaultStore builds a Vault store from a vault:// URI. The first path
// segment is the KV v2 mount, the remainder the data path prefix.
func (f *StoreFactory) createVaultStore(u *url.URL) (interfaces.SecretStore, error) {
	f.log.Debug("Creating Vault store", slog.String("host", u.Host))

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("vault URI must include a mount path: vault://host:port/mount[/prefix]")
	}
	mountPath := segments[0]
	dataPath := strings.Join(segments[1:], "/")

	token := u.Query().Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token not provided via URI or VAULT_TOKEN")
	}

	scheme := "https"
	if u.Query().Get("insecure") == "true" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultStore(address, token, mountPath, dataPath, f.log)
}

// createFileStore builds a file store from a file:// URI.
func (f *StoreFactory) createFileStore(u *url.URL) (interfaces.SecretStore, error) {
	f.log.Debug("Creating file store", slog.String("path", u.Path))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}

	return NewFileStore(path, f.log)
}
