package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"matchchat/model"
)

const internalKeyHeader = "X-Internal-Key"

type notifyRequest struct {
	MessageID   int64  `json:"message_id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	CreatedAt   string `json:"created_at"`
}

type membersRequest struct {
	MemberIDs []int64 `json:"member_ids"`
}

func (h *Handler) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.creds.AllowInternal(r.Header.Get(internalKeyHeader)) {
			writeDetail(w, http.StatusUnauthorized, "invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleNotifyMessage fans a persisted message out to the conversation's
// members as a new_message frame.
func (h *Handler) HandleNotifyMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID <= 0 {
		writeDetail(w, http.StatusBadRequest, "message_id is required")
		return
	}

	ev := model.NewMessage{
		ConversationID: conversationID,
		MessageID:      req.MessageID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		MessageType:    req.MessageType,
	}
	if ev.MessageType == "" {
		ev.MessageType = model.MessageTypeText
	}
	if req.CreatedAt != "" {
		ts, err := model.ParseTimestamp(req.CreatedAt)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "created_at must be ISO 8601")
			return
		}
		ev.CreatedAt = ts
	}

	frame, err := model.EncodeInbound(ev)
	if err != nil {
		h.logger.Error("Encode new_message frame", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "encode failed")
		return
	}

	n := h.rooms.Broadcast(conversationID, frame)
	h.metrics.relayed(string(model.KindNewMessage), n)
	h.logger.Debug("Message relayed",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("message_id", req.MessageID),
		zap.Int("sockets", n))

	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

// HandleSetMembers replaces the member list of a conversation.
func (h *Handler) HandleSetMembers(w http.ResponseWriter, r *http.Request) {
	conversationID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var req membersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.rooms.SetMembers(conversationID, req.MemberIDs)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDetail writes the backend's {"detail": ...} error shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
