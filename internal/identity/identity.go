// ABOUTME: Persistent tenant identity for the agent, stored as TOML under XDG config
// ABOUTME: The tenant ID is generated once and only changes through Reset

package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// ErrNoTenant is returned when an identity file exists but carries no tenant ID.
var ErrNoTenant = errors.New("identity file has no tenant_id")

// Identity is the agent's persisted identity.
type Identity struct {
	TenantID  string    `toml:"tenant_id"`
	CreatedAt time.Time `toml:"created_at"`
}

// DefaultPath returns $XDG_CONFIG_HOME/sacmes/agent.toml, falling back to
// ~/.config/sacmes/agent.toml.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "sacmes", "agent.toml")
}

// Load reads the identity at path.
func Load(path string) (Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(path, &id); err != nil {
		return Identity{}, fmt.Errorf("reading identity: %w", err)
	}
	if id.TenantID == "" {
		return Identity{}, fmt.Errorf("%s: %w", path, ErrNoTenant)
	}
	return id, nil
}

// LoadOrCreate reads the identity at path, generating and saving a new one
// if the file does not exist. created reports whether a new one was made.
func LoadOrCreate(path string) (id Identity, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, err
	}

	id = generate()
	if err := save(path, id); err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}

// Reset replaces the identity at path with a freshly generated one.
func Reset(path string) (Identity, error) {
	id := generate()
	if err := save(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func generate() Identity {
	return Identity{
		TenantID:  uuid.NewString(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// save writes id atomically with owner-only permissions; the tenant ID is a
// capability.
func save(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent-*.toml")
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(id); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting identity permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	return nil
}
