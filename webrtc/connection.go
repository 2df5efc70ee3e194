package webrtc

import (
	"fmt"
	"io"
	"net"

	"github.com/go-webrtc-send-receive/interceptors"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// createMediaEngine registers exactly the payloads of the agent's sessions.
func createMediaEngine(sessions []*MediaSession) (*webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}

	for _, session := range sessions {
		session.mu.Lock()
		codecType := session.mediaTypeLocked().CodecType()
		parameters := session.codecParametersLocked()
		session.mu.Unlock()

		for _, codec := range parameters {
			if err := mediaEngine.RegisterCodec(codec, codecType); err != nil {
				return nil, fmt.Errorf("register %s: %w", codec.MimeType, err)
			}
		}
	}

	return mediaEngine, nil
}

type settingConfig struct {
	loggerFactory logging.LoggerFactory
	portMin       uint16
	portMax       uint16
	addresses     []net.IP
	// answeringRole only matters for the agent that answers.
	answeringRole webrtc.DTLSRole
}

func createSettingEngine(config settingConfig) (webrtc.SettingEngine, error) {
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: config.loggerFactory,
	}

	if config.portMin != 0 || config.portMax != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.portMin, config.portMax); err != nil {
			return settingEngine, fmt.Errorf("%w: %v", ErrInvalidPortRange, err)
		}
	}

	if len(config.addresses) > 0 {
		addresses := config.addresses
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			for _, address := range addresses {
				if address.Equal(ip) {
					return true
				}
			}
			return false
		})

		networkTypes := []webrtc.NetworkType{}
		var ipv4, ipv6, loopback bool
		for _, address := range addresses {
			if address.To4() != nil {
				ipv4 = true
			} else {
				ipv6 = true
			}
			loopback = loopback || address.IsLoopback()
		}
		if ipv4 {
			networkTypes = append(networkTypes, webrtc.NetworkTypeUDP4)
		}
		if ipv6 {
			networkTypes = append(networkTypes, webrtc.NetworkTypeUDP6)
		}
		settingEngine.SetNetworkTypes(networkTypes)
		settingEngine.SetIncludeLoopbackCandidate(loopback)
	}

	// Host candidates stay plain addresses so the DOT dumps show where media flows.
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	if config.answeringRole != webrtc.DTLSRoleAuto {
		if err := settingEngine.SetAnsweringDTLSRole(config.answeringRole); err != nil {
			return settingEngine, err
		}
	}

	return settingEngine, nil
}

func createNewApiWithMediaEngine(mediaEngine *webrtc.MediaEngine, settingEngine webrtc.SettingEngine, agentName string, rtpLog io.Writer) (*webrtc.API, error) {
	// Create a InterceptorRegistry. This is the user configurable RTP/RTCP Pipeline.
	// This provides NACKs, RTCP Reports and other features. If you are manually managing
	// You MUST create a InterceptorRegistry for each PeerConnection.
	interceptorRegistry := &interceptor.Registry{}

	// Use the default set of Interceptors
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	if rtpLog != nil {
		interceptorRegistry.Add(interceptors.NewRTPLogFactory(agentName, rtpLog, settingEngine.LoggerFactory))
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
