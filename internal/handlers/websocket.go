package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/crewdesk/call-signaling/internal/relay"
	"github.com/crewdesk/call-signaling/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the connection and attaches the caller to the
// relay hub for their conversation. Requires JWT auth; identity comes
// from the token, never from the client.
func HandleSignaling(st *store.Store, hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID := c.Param("conversationId")
		if convID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
			return
		}

		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		// Validate conversation exists and has capacity
		if _, err := st.Validate(c.Request.Context(), convID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		uid := userID.(string)
		if err := st.AddPeer(context.Background(), convID, uid); err != nil {
			log.Printf("Failed to record presence for %s: %v", uid, err)
		}

		count, _ := st.PeerCount(context.Background(), convID)
		log.Printf("User %s joined conversation %s (%d present)", uid, convID, count)

		client := relay.NewWSClient(hub, conn, convID, uid, func() {
			if err := st.RemovePeer(context.Background(), convID, uid); err != nil {
				log.Printf("Failed to clear presence for %s: %v", uid, err)
			}
			log.Printf("User %s left conversation %s", uid, convID)
		})
		client.Run()
	}
}
