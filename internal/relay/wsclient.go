package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewdesk/call-signaling/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WSClient is a relay member connected over WebSocket: a browser running
// the chat UI or a remote headless agent.
type WSClient struct {
	userID string
	roomID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	// onClose runs once after the connection is torn down; the signaling
	// handler uses it for presence cleanup.
	onClose func()
}

func NewWSClient(hub *Hub, conn *websocket.Conn, roomID, userID string, onClose func()) *WSClient {
	return &WSClient{
		userID:  userID,
		roomID:  roomID,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		onClose: onClose,
	}
}

// Run attaches the client to its room and starts the read/write pumps.
func (c *WSClient) Run() {
	c.hub.Join(c.roomID, c.userID, c)
	go c.writePump()
	go c.readPump()
}

func (c *WSClient) deliver(msg signal.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Printf("RELAY: send buffer full for %s, dropping %s", c.userID, msg.Type)
		return ErrTransportUnavailable
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Leave(c.roomID, c.userID)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: websocket error for %s: %v", c.userID, err)
			}
			return
		}

		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("RELAY: bad message from %s: %v", c.userID, err)
			continue
		}

		// The relay, not the client, decides who a message is from.
		msg.From = c.userID
		msg.RoomID = c.roomID

		switch msg.Type {
		case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate, signal.TypeBye, signal.TypeInvite:
			if msg.To == "" {
				log.Printf("RELAY: %s from %s without target", msg.Type, c.userID)
				continue
			}
			if err := c.hub.SendToUser(c.roomID, msg.To, msg); err != nil {
				log.Printf("RELAY: relaying %s from %s to %s: %v", msg.Type, c.userID, msg.To, err)
			}
		case signal.TypeMediaState:
			if err := c.hub.SendToRoom(c.roomID, msg, c.userID); err != nil {
				log.Printf("RELAY: broadcasting media-state from %s: %v", c.userID, err)
			}
		default:
			log.Printf("RELAY: unknown message type %q from %s", msg.Type, c.userID)
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("RELAY: write to %s failed: %v", c.userID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
