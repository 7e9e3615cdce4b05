package handlers

import (
	"net/http"
	"time"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/payload"
)

// documentRequest is the {"data": {...}} envelope agents send.
type documentRequest struct {
	Data *payload.Value `json:"data"`
}

func (d documentRequest) document() (payload.Value, error) {
	if d.Data == nil || d.Data.IsNull() {
		return payload.Value{}, apperr.Invalid("data", "required")
	}
	return *d.Data, nil
}

type machineRequest struct {
	MACAddress string `json:"mac_address"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

// ListMachines handles GET /api/machines.
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	machines, err := h.Registry.List(r.Context(), p.Subject())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

// RegisterMachine handles POST /api/machines. It answers 201 for a new
// machine and 200 when the caller already owned it.
func (h *Handler) RegisterMachine(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req machineRequest
	if !h.decode(w, r, maxBodyBytes, &req) {
		return
	}
	if req.MACAddress == "" {
		h.fail(w, r, apperr.Invalid("mac_address", "required"))
		return
	}

	m, created, err := h.Registry.Bind(r.Context(), p.Subject(), req.MACAddress, req.Name, req.Type)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

// UpdateConfig handles POST /api/update_confg_maquina.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if !h.decode(w, r, maxDocumentBytes, &req) {
		return
	}
	doc, err := req.document()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	cfg, err := h.Registry.UpsertConfig(r.Context(), p.Subject(), doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status    string        `json:"status"`
		Data      payload.Value `json:"data"`
		UpdatedAt time.Time     `json:"updated_at"`
	}{"success", cfg.Payload, cfg.UpdatedAt})
}

// GetConfig handles GET /api/machine/{mac}.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cfg, err := h.Registry.GetConfig(r.Context(), p.Subject(), r.PathValue("mac"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Data      payload.Value `json:"data"`
		UpdatedAt time.Time     `json:"updated_at"`
	}{cfg.Payload, cfg.UpdatedAt})
}
