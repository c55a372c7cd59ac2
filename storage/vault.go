package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// VaultStore implements a secret store over HashiCorp Vault's KV v2 API.
// Documents are stored field-by-field in the KV data map, so the Vault
// document layout matches the wire format exactly (vault_component,
// encrypted_kek, and so on as top-level fields).
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed secret store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; transport security is the Vault client's concern
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "checktick")
//   - log: structured logger for operational insights
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// Get retrieves the JSON document at path. Returns ErrKeyNotFound when the
// path holds no value and ErrStoreUnavailable on transport failure.
func (s *VaultStore) Get(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.kvDataPath(path))
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		s.log.Debug("Path not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		s.log.Debug("Path deleted in Vault", slog.String("path", path))
		return nil, interfaces.ErrKeyNotFound
	}

	doc, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("invalid data format in Vault response: %w", err)
	}

	s.log.Debug("Fetched secret from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return doc, nil
}

// Put writes the JSON document at path, overwriting any prior value.
func (s *VaultStore) Put(ctx context.Context, path string, doc []byte) error {
	start := time.Now()

	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}

	payload := map[string]interface{}{"data": fields}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.kvDataPath(path), payload); err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored secret in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Delete removes the value and all its KV v2 version history irreversibly.
func (s *VaultStore) Delete(ctx context.Context, path string) error {
	metadataPath := fmt.Sprintf("%s/metadata/%s", s.mountPath, s.fullPath(path))
	if _, err := s.client.Logical().DeleteWithContext(ctx, metadataPath); err != nil {
		s.log.Error("Failed to delete from Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Deleted secret from Vault", slog.String("path", path))
	return nil
}

// Available checks that Vault is reachable, initialized, and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

func (s *VaultStore) fullPath(path string) string {
	if s.dataPath == "" {
		return path
	}
	return s.dataPath + "/" + path
}

// kvDataPath builds the KV v2 data path for a logical secret path.
func (s *VaultStore) kvDataPath(path string) string {
	return fmt.Sprintf("%s/data/%s", s.mountPath, s.fullPath(path))
}
