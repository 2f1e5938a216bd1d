package rtc

import "github.com/pion/webrtc/v4"

// localMedia holds the captured tracks of one call and the sender carrying
// the outgoing video, so the track can be swapped out for a camera toggle.
type localMedia struct {
	stop        func()
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
}

func iceServers(cfg Config) []webrtc.ICEServer {
	urls := cfg.STUNServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("RTC: add video transceiver: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("RTC: add audio transceiver: %v", err)
	}
}
