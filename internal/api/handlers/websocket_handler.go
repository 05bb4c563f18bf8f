package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

// WebSocketHandler answers questions over a socket, streaming the narrative
// word by word before sending the full result.
type WebSocketHandler struct {
	asker        Asker
	integrations ConnectedLister
}

func NewWebSocketHandler(asker Asker, integrations ConnectedLister) *WebSocketHandler {
	return &WebSocketHandler{
		asker:        asker,
		integrations: integrations,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	identity, _ := c.Locals(IdentityHeader).(string)

	for {
		var msg struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			UserID  string `json:"user_id"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		user := identity
		if user == "" {
			user = msg.UserID
		}

		if err := h.streamResponse(c, msg.Content, user); err != nil {
			logger.Warn("Failed to stream response", zap.Error(err))
			break
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, queryText, identity string) error {
	if err := h.sendChunk(c, "status", "Gathering evidence..."); err != nil {
		return err
	}

	result := h.asker.Handle(context.Background(), models.Query{Text: queryText}, identity, h.integrations.Connected())

	words := splitIntoWords(result.Narrative)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":   "complete",
		"result": result,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
