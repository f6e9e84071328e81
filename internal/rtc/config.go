package rtc

import "github.com/pion/webrtc/v4"

// Config lists the ICE infrastructure used for connectivity establishment.
// NAT traversal itself is the ICE stack's problem, not ours.
type Config struct {
	StunServers []string
	TurnServers []TurnServer
}

type TurnServer struct {
	URL      string
	Username string
	Password string
}

func DefaultConfig() Config {
	return Config{
		StunServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.StunServers)+len(c.TurnServers))
	if len(c.StunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.StunServers})
	}
	for _, t := range c.TurnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Password,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
