//go:build linux

package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CheckDevices verifies capture hardware exists before a call is placed or
// accepted. Video calls need at least a camera or a microphone present;
// enumeration failing entirely classifies as a permission problem.
func CheckDevices(video bool) error {
	devices := mediadevices.EnumerateDevices()
	var haveCamera, haveMic bool
	for _, d := range devices {
		switch d.Kind {
		case mediadevices.VideoInput:
			haveCamera = true
		case mediadevices.AudioInput:
			haveMic = true
		}
	}
	if !haveMic && !haveCamera {
		return &PermissionError{Code: CodeDeviceNotFound}
	}
	if video && !haveCamera {
		return &PermissionError{Code: CodeDeviceNotFound}
	}
	return nil
}

// newPeerConnection builds the PC with VP8+Opus and captures camera/mic via
// pion/mediadevices. Capture fails as a unit, so attempts degrade:
// video+audio, video-only, audio-only, then receive-only transceivers.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Default disconnectedTimeout is 5 s, too short for relay paths with
	// brief outages during re-keying. 30 s lets ICE recover unnoticed.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if cfg.Video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose a V4L2 MJPEG node that
				// emits malformed JPEG and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("RTC: capture (%s): %v", a.label, classifyCaptureErr(err))
			continue
		}

		tracks := stream.GetTracks()
		media := &localMedia{}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("RTC: local track ended: %v", err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Warnf("RTC: add track: %v", err)
				continue
			}
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				media.videoSender = sender
				media.videoTrack = track
			}
		}

		log.Infof("RTC: local media captured (%s), %d tracks", a.label, len(tracks))
		media.stop = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, media, nil
	}

	// No capture at all; the call still receives remote media.
	log.Warnf("RTC: all capture attempts failed, proceeding receive-only")
	addRecvOnlyTransceivers(pc)
	return pc, nil, nil
}
