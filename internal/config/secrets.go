package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const bridgeTokenName = "bridge_token"

// ErrSecretNotFound is returned by a SecretStore that has no value for a name.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps secrets outside the config file.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// fileSecrets is a JSON object of name/value pairs readable by the owner only.
type fileSecrets struct {
	path string
}

func newFileSecrets(path string) *fileSecrets {
	return &fileSecrets{path: path}
}

// NewSecretStore returns the secrets file of the current user.
func NewSecretStore() SecretStore {
	return newFileSecrets(secretsFilePath())
}

func (s *fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

func (s *fileSecrets) Get(name string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (s *fileSecrets) Set(name, value string) error {
	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// BridgeToken returns the bearer token of the host bridge. The environment
// variable wins; otherwise the stored token is used, generating and storing
// one the first time.
func BridgeToken(secrets SecretStore) (string, error) {
	if v := strings.TrimSpace(os.Getenv("SURVEYKIT_BRIDGE_TOKEN")); v != "" {
		return v, nil
	}

	token, err := secrets.Get(bridgeTokenName)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	token = strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := secrets.Set(bridgeTokenName, token); err != nil {
		return "", fmt.Errorf("storing bridge token: %w", err)
	}
	return token, nil
}
