package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
)

// p2pConfigKey is the single settings key holding the peer delivery policy.
const p2pConfigKey = "hybridcast:p2p:config"

// LoadP2PConfig rehydrates the persisted policy, merging stored fields over
// the defaults. A missing key yields the defaults without error.
func LoadP2PConfig(ctx context.Context, store ports.SettingsStore) (domain.P2PConfig, error) {
	cfg := domain.DefaultP2PConfig()

	raw, err := store.Get(ctx, p2pConfigKey)
	if err != nil {
		if errors.Is(err, domain.ErrSettingNotFound) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return domain.DefaultP2PConfig(), fmt.Errorf("malformed p2p config: %w", err)
	}
	return cfg, nil
}

// SaveP2PConfig persists the policy as JSON under the settings key.
func SaveP2PConfig(ctx context.Context, store ports.SettingsStore, cfg domain.P2PConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return store.Set(ctx, p2pConfigKey, string(raw))
}
