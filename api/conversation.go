package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/services"
	"github.com/malwarebo/inboxflow/utils"
)

type ConversationHandler struct {
	messaging *services.MessagingService
}

func CreateConversationHandler(messaging *services.MessagingService) *ConversationHandler {
	return &ConversationHandler{messaging: messaging}
}

func (h *ConversationHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req models.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := h.messaging.SendAgentMessage(r.Context(), tenantID, mux.Vars(r)["id"], utils.GetUserID(r.Context()), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.messaging.MarkAsRead(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ConversationHandler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit, offset := pageParams(r)
	convs, err := h.messaging.ListConversations(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"limit":         limit,
		"offset":        offset,
	})
}

func (h *ConversationHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit, _ := pageParams(r)
	msgs, err := h.messaging.ListMessages(r.Context(), tenantID, mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
