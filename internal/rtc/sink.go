package rtc

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliEvery is how often a PLI is sent for a remote video track so the
// sender refreshes with a keyframe after packet loss.
const pliEvery = 3 * time.Second

// PacketHandler consumes decoded RTP packets from one remote track.
type PacketHandler func(*rtp.Packet)

// Consume drains a remote track, handing each RTP packet to h, and keeps a
// PLI loop running for video tracks. Returns when the track ends or the
// peer closes. Call from the RemoteTrack hook, on its own goroutine.
func (p *Peer) Consume(track *webrtc.TrackRemote, h PacketHandler) {
	done := make(chan struct{})
	defer close(done)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.pliLoop(uint32(track.SSRC()), done)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("RTC: read track %s: %v", track.ID(), err)
			}
			return
		}
		if h != nil {
			h(pkt)
		}
	}
}

func (p *Peer) pliLoop(ssrc uint32, done <-chan struct{}) {
	ticker := time.NewTicker(pliEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			})
			if err != nil {
				return
			}
		}
	}
}
