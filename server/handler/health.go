package handler

import (
	"net/http"
	"time"
)

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Connections int       `json:"connections"`
	OnlineUsers int       `json:"online_users"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "UP",
		Timestamp:   time.Now().UTC(),
		Connections: h.rooms.Connections(),
		OnlineUsers: h.rooms.Online(),
	})
}
