package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hybridcast/internal/core/domain"
)

func TestArbitrateMode(t *testing.T) {
	cfg := domain.DefaultP2PConfig()
	cfg.MinPeersForSwitch = 3

	cfg.HybridMode = true
	assert.Equal(t, domain.ModeCDN, ArbitrateMode(2, cfg))
	assert.Equal(t, domain.ModeHybrid, ArbitrateMode(4, cfg))
	assert.Equal(t, domain.ModeHybrid, ArbitrateMode(3, cfg))

	cfg.HybridMode = false
	assert.Equal(t, domain.ModeP2P, ArbitrateMode(4, cfg))
	assert.Equal(t, domain.ModeCDN, ArbitrateMode(0, cfg))
}
