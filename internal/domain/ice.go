package domain

import "github.com/pion/webrtc/v4"

type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// ICEConfig is fetched per channel at join time. Degraded marks a built-in fallback.
type ICEConfig struct {
	Servers  []ICEServer
	Degraded bool
}

// FallbackSTUNServers is used when the channel endpoint returns nothing usable.
var FallbackSTUNServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun.cloudflare.com:3478"}},
}

func (c ICEConfig) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, srv)
	}
	return webrtc.Configuration{ICEServers: servers}
}

// ICEResponse is the hub's per-channel ICE endpoint body.
type ICEResponse struct {
	ICEServers []ICEServer `json:"ice_servers"`
	Blocked    bool        `json:"blocked"`
}
