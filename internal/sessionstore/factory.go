package sessionstore

import (
	"fmt"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// NewStoreFromConfig creates a SessionStore based on the configuration type.
func NewStoreFromConfig(cfg config.SessionConfig) (photovote.SessionStore, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.Path == "" || cfg.IdentityPath == "" {
			return nil, fmt.Errorf("path and identity_path required for age session store")
		}
		return NewAgeStore(cfg), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session type: %q", cfg.Type)
	}
}
