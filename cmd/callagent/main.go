// Command callagent is a headless call participant. It logs into the
// signaling server, connects to a conversation over WebSocket and runs a
// full call controller with real capture devices. Useful for soak
// testing rooms and as a kiosk/meeting-room endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crewdesk/call-signaling/config"
	"github.com/crewdesk/call-signaling/internal/call"
	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/negotiation"
	"github.com/crewdesk/call-signaling/internal/relay"
	"github.com/crewdesk/call-signaling/internal/rtc"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "signaling server base URL")
		username = flag.String("user", "", "username to log in as")
		password = flag.String("password", "agent", "password for login")
		room     = flag.String("room", "", "conversation ID to call in")
		start    = flag.Bool("start", false, "start a new call instead of joining")
		video    = flag.Bool("video", true, "capture video as well as audio")
		invite   = flag.String("invite", "", "comma-separated user ids to ring when starting")
	)
	flag.Parse()

	if *username == "" || *room == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, err := login(*server, *username, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	source, err := media.NewDeviceSource()
	if err != nil {
		log.Fatalf("capture devices unavailable: %v", err)
	}

	cfg := config.Load()
	rtcCfg := rtc.Config{StunServers: cfg.Call.StunServers}
	for _, entry := range cfg.Call.TurnServers {
		// url|username|password
		parts := strings.SplitN(entry, "|", 3)
		ts := rtc.TurnServer{URL: parts[0]}
		if len(parts) == 3 {
			ts.Username, ts.Password = parts[1], parts[2]
		}
		rtcCfg.TurnServers = append(rtcCfg.TurnServers, ts)
	}

	transport := relay.NewWSTransport(wsBase(*server), token)
	ctrl := call.NewController(call.Options{
		SelfID:      *username,
		DisplayName: *username,
		Transport:   transport,
		Source:      source,
		PeerFactory: func(mgr *media.Manager) (negotiation.Factory, error) {
			return rtc.NewFactory(rtcCfg, mgr, source)
		},
		LinkTimeout: cfg.Call.LinkTimeout,
	})
	defer ctrl.Close()

	ctrl.OnEvent(func(ev call.Event) {
		if ev.Reason != "" {
			log.Printf("event: %s room=%s peer=%s (%s)", ev.Type, ev.RoomID, ev.PeerID, ev.Reason)
		} else {
			log.Printf("event: %s room=%s peer=%s", ev.Type, ev.RoomID, ev.PeerID)
		}
	})

	kind := call.KindAudio
	if *video {
		kind = call.KindVideo
	}

	var invitees []string
	if *invite != "" {
		invitees = strings.Split(*invite, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if *start {
		err = ctrl.StartCall(ctx, *room, kind, invitees)
	} else {
		err = ctrl.JoinCall(ctx, *room)
	}
	cancel()
	if err != nil {
		log.Fatalf("entering call: %v", err)
	}

	log.Printf("in call in conversation %s as %s", *room, *username)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.LeaveCall(ctx, *room); err != nil {
		log.Printf("leaving call: %v", err)
	}
	// Give the bye and leave messages a moment to flush.
	time.Sleep(500 * time.Millisecond)
}

func login(server, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func wsBase(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server
}
