//go:build !linux

package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// CheckDevices always passes on platforms without native capture drivers;
// the call proceeds receive-only.
func CheckDevices(bool) error { return nil }

// newPeerConnection builds a receive-only PC. Camera/mic capture needs
// platform drivers (V4L2/malgo) that are wired on Linux only.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, *localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc)
	return pc, nil, nil
}
