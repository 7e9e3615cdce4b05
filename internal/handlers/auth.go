package handlers

import (
	"net/http"

	"github.com/tphummel/rocks_monitor/internal/auth"
)

// Register handles POST /api/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !h.decode(w, r, maxBodyBytes, &req) {
		return
	}
	u, err := h.Auth.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Login handles POST /api/login. Agents include their MAC address and get
// a pc token bound to that machine.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !h.decode(w, r, maxBodyBytes, &req) {
		return
	}
	res, err := h.Auth.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
