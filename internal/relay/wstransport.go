package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/crewdesk/call-signaling/internal/signal"
)

// WSTransport is the relay capability for an agent connecting to a remote
// signaling server over WebSocket. One connection per subscribed room.
type WSTransport struct {
	baseURL string // e.g. ws://localhost:8080
	token   string // bearer token for the signaling endpoint

	mu    sync.Mutex
	conns map[string]*wsRoomConn
}

func NewWSTransport(baseURL, token string) *WSTransport {
	return &WSTransport{
		baseURL: baseURL,
		token:   token,
		conns:   make(map[string]*wsRoomConn),
	}
}

type wsRoomConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (t *WSTransport) Subscribe(roomID string) (<-chan signal.Message, func(), error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(t.baseURL+"/ws/signal/"+roomID, header)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	rc := &wsRoomConn{conn: conn}
	t.mu.Lock()
	t.conns[roomID] = rc
	t.mu.Unlock()

	ch := make(chan signal.Message, 64)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg signal.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("RELAY: bad message from server: %v", err)
				continue
			}
			ch <- msg
		}
	}()

	cancel := func() {
		t.mu.Lock()
		if t.conns[roomID] == rc {
			delete(t.conns, roomID)
		}
		t.mu.Unlock()
		conn.Close()
	}
	return ch, cancel, nil
}

func (t *WSTransport) SendToUser(_ context.Context, roomID, userID string, msg signal.Message) error {
	msg.To = userID
	return t.write(roomID, msg)
}

// SendToRoom hands the broadcast to the server, which fans out to every
// member except the sender; the exclude list beyond self is a server-side
// concern.
func (t *WSTransport) SendToRoom(_ context.Context, roomID string, msg signal.Message, _ ...string) error {
	return t.write(roomID, msg)
}

func (t *WSTransport) write(roomID string, msg signal.Message) error {
	t.mu.Lock()
	rc := t.conns[roomID]
	t.mu.Unlock()
	if rc == nil {
		return ErrTransportUnavailable
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}
