package services

import "hybridcast/internal/core/domain"

// ArbitrateMode decides the active delivery source. The mesh stays on cdn
// until enough peers are connected; past the threshold the operator's
// hybrid flag picks between mixed and peer-primary delivery.
func ArbitrateMode(peersConnected int, cfg domain.P2PConfig) domain.DeliveryMode {
	if peersConnected < cfg.MinPeersForSwitch {
		return domain.ModeCDN
	}
	if cfg.HybridMode {
		return domain.ModeHybrid
	}
	return domain.ModeP2P
}
