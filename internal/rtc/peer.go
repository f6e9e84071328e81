// Package rtc implements the negotiation engine's PeerConn on top of Pion.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/negotiation"
)

// localTrackProvider is satisfied by capture tracks that wrap a Pion track.
type localTrackProvider interface {
	Local() webrtc.TrackLocal
}

// NewFactory returns a negotiation.Factory that builds Pion peer
// connections carrying the manager's current local tracks.
func NewFactory(cfg Config, mgr *media.Manager, source media.DeviceSource) (negotiation.Factory, error) {
	api, err := newAPI(source)
	if err != nil {
		return nil, err
	}
	conf := cfg.webrtcConfiguration()

	return func(remoteID string) (negotiation.PeerConn, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		p := &peer{pc: pc}
		attached := 0
		for _, t := range mgr.Tracks() {
			lt, ok := t.(localTrackProvider)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(lt.Local())
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			if t.Kind() == media.KindVideo {
				p.videoSender = sender
			}
			attached++
		}
		if attached == 0 {
			// Receive-only: valid m-lines with ICE credentials still need
			// transceivers.
			addRecvOnlyTransceivers(remoteID, pc)
		}
		return p, nil
	}, nil
}

// newAPI builds the webrtc API with the capture source's codecs when it
// has any, default codecs otherwise, plus the default interceptors and
// generous ICE timeouts so a brief relay hiccup does not kill the call.
func newAPI(source media.DeviceSource) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if cs, ok := source.(interface {
		CodecSelector() *mediadevices.CodecSelector
	}); ok {
		cs.CodecSelector().Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func addRecvOnlyTransceivers(remoteID string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", remoteID, kind, err)
		}
	}
}

// peer adapts *webrtc.PeerConnection to negotiation.PeerConn. Payloads are
// JSON-encoded session descriptions and ICE candidate inits.
type peer struct {
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender
}

func (p *peer) CreateOffer(_ context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *peer) AcceptOffer(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *peer) AcceptAnswer(_ context.Context, raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(answer)
}

func (p *peer) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(c)
}

func (p *peer) ReplaceVideo(t media.Track) error {
	if p.videoSender == nil {
		return negotiation.ErrReplaceUnsupported
	}
	lt, ok := t.(localTrackProvider)
	if !ok {
		return negotiation.ErrReplaceUnsupported
	}
	return p.videoSender.ReplaceTrack(lt.Local())
}

func (p *peer) OnCandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("RTC: encode candidate: %v", err)
			return
		}
		fn(raw)
	})
}

func (p *peer) OnConnectionChange(fn func(negotiation.ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connState(s))
	})
}

func (p *peer) Close() error { return p.pc.Close() }

func connState(s webrtc.PeerConnectionState) negotiation.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnClosed
	default:
		return negotiation.ConnNew
	}
}
