package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"live-notifier/internal/models"
)

type subscriptionRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

func (h *Handlers) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.engine.ListSubscriptions()
	if p := r.URL.Query().Get("platform"); p != "" {
		platform, err := models.ParsePlatform(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := subs[:0]
		for _, s := range subs {
			if s.Platform == platform {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}
	if subs == nil {
		subs = []models.ChannelSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// PostSubscription answers 201 for a new channel and 200 when it was already
// followed.
func (h *Handlers) PostSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}

	added, err := h.engine.Subscribe(channel, platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	sub := models.ChannelSubscription{Platform: platform, ChannelName: channel}
	for _, s := range h.engine.ListSubscriptions() {
		if s.Key() == sub.Key() {
			sub = s
			break
		}
	}
	writeJSON(w, code, sub)
}

func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformVar(w, r)
	if !ok {
		return
	}
	if !h.engine.Unsubscribe(mux.Vars(r)["channel"], platform) {
		writeError(w, http.StatusNotFound, "not subscribed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
