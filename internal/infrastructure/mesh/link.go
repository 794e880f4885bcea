package mesh

import (
	"github.com/pion/webrtc/v3"

	"hybridcast/internal/core/ports"
)

// dataChannelLink adapts a pion data channel to the PeerLink port.
type dataChannelLink struct {
	dc *webrtc.DataChannel
}

func (l *dataChannelLink) SendText(msg string) error {
	return l.dc.SendText(msg)
}

func (l *dataChannelLink) Send(data []byte) error {
	return l.dc.Send(data)
}

func (l *dataChannelLink) Ready() bool {
	return l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (l *dataChannelLink) Close() error {
	return l.dc.Close()
}

var _ ports.PeerLink = (*dataChannelLink)(nil)
