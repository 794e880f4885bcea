package domain

import "errors"

var (
	ErrPeerCapacityReached = errors.New("peer capacity reached")
	ErrPeerExists          = errors.New("peer already tracked")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrChunkTimeout        = errors.New("chunk request timed out")
	ErrChunkUnavailable    = errors.New("chunk not available from any peer")
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrEntryTooLarge       = errors.New("entry exceeds cache ceiling")
	ErrSettingNotFound     = errors.New("setting not found")
	ErrManagerDestroyed    = errors.New("manager destroyed")
	ErrRetryExhausted      = errors.New("retry budget exhausted")
)
