package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/call-signaling/internal/store"
)

// CreateConversationRequest is the body for POST /api/conversations.
type CreateConversationRequest struct {
	MemberIDs  []string `json:"memberIds"`
	MaxMembers int      `json:"maxMembers"`
}

// CreateConversation creates a new conversation (requires authentication)
func CreateConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var req CreateConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		conv, err := st.CreateConversation(c.Request.Context(), userID.(string), req.MemberIDs, req.MaxMembers)
		if err != nil {
			log.Printf("Failed to create conversation: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
			return
		}

		log.Printf("Conversation created: %s by user %s", conv.ID, userID)
		c.JSON(http.StatusCreated, conv)
	}
}

// GetConversation returns conversation metadata plus call status (public)
func GetConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID := c.Param("conversationId")

		conv, err := st.GetConversation(c.Request.Context(), convID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
			return
		}

		peerCount, _ := st.PeerCount(c.Request.Context(), convID)
		callID, kind, live, err := st.ActiveCall(c.Request.Context(), convID)
		if err != nil {
			log.Printf("Failed to load active call for %s: %v", convID, err)
		}

		resp := gin.H{
			"conversation": conv,
			"peerCount":    peerCount,
		}
		if live {
			resp["activeCall"] = gin.H{"callId": callID, "kind": kind}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// DeleteConversation deletes a conversation (requires authentication and creator)
func DeleteConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		convID := c.Param("conversationId")

		conv, err := st.GetConversation(c.Request.Context(), convID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
			return
		}

		// Verify user is the creator
		if conv.CreatorID != userID.(string) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the conversation creator can delete it"})
			return
		}

		if err := st.DeleteConversation(c.Request.Context(), convID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete conversation"})
			return
		}

		log.Printf("Conversation deleted: %s by user %s", convID, userID)
		c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
	}
}
