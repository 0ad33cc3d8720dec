// Package opsapi is the read-only inspection API over raw messages and
// protocol descriptors.
package opsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"tracklink/internal/directory"
	"tracklink/internal/models"
	"tracklink/internal/protocol"
	"tracklink/internal/rawstore"

	"github.com/gorilla/mux"
)

type HTTP struct {
	store rawstore.Store
	dir   directory.Directory
	// transports a handler can be built for
	kinds []string
}

func NewHTTP(store rawstore.Store, dir directory.Directory, kinds []string) *HTTP {
	return &HTTP{store: store, dir: dir, kinds: kinds}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// GET /api/v1/raw-messages?state=pending|processed|error&limit=50&offset=0
	api.HandleFunc("/raw-messages", h.listRaw).Methods(http.MethodGet)
	api.HandleFunc("/raw-messages/stats", h.rawStats).Methods(http.MethodGet)
	api.HandleFunc("/raw-messages/{id:[0-9]+}", h.getRaw).Methods(http.MethodGet)

	api.HandleFunc("/protocols", h.listProtocols).Methods(http.MethodGet)
	api.HandleFunc("/protocols/{name}", h.getProtocol).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type rawView struct {
	models.RawMessage
	State string `json:"state"`
}

func viewOf(m models.RawMessage) rawView { return rawView{RawMessage: m, State: m.State()} }

func queryInt(r *http.Request, key string) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *HTTP) listRaw(w http.ResponseWriter, r *http.Request) {
	f := rawstore.Filter{State: r.URL.Query().Get("state")}
	switch f.State {
	case "", models.RawPending, models.RawProcessed, models.RawError:
	default:
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "state must be pending, processed or error", nil)
		return
	}
	var ok bool
	if f.Limit, ok = queryInt(r, "limit"); !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid limit", nil)
		return
	}
	if f.Offset, ok = queryInt(r, "offset"); !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid offset", nil)
		return
	}
	rows, err := h.store.List(r.Context(), f)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	items := make([]rawView, 0, len(rows))
	for _, m := range rows {
		items = append(items, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *HTTP) getRaw(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid id", nil)
		return
	}
	m, err := h.store.Get(r.Context(), uint(id))
	if errors.Is(err, rawstore.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "raw message not found", nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (h *HTTP) rawStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type protocolView struct {
	Name                   string         `json:"name"`
	ProtocolType           string         `json:"protocol_type"`
	DefaultPort            int            `json:"default_port,omitempty"`
	RequiresAuthentication bool           `json:"requires_authentication"`
	SupportsEncryption     bool           `json:"supports_encryption"`
	UpdateFrequencySeconds int            `json:"update_frequency_seconds"`
	MessageFormat          map[string]any `json:"message_format"`
	IsActive               bool           `json:"is_active"`
	// whether a handler exists for the transport
	HandlerAvailable bool `json:"handler_available"`
}

func (h *HTTP) protocolViewOf(d directory.Descriptor) protocolView {
	// dynamic_config may carry broker credentials and is not exposed
	return protocolView{
		Name:                   d.Name,
		ProtocolType:           d.Transport,
		DefaultPort:            d.DefaultPort,
		RequiresAuthentication: d.RequiresAuth,
		SupportsEncryption:     d.SupportsEncryption,
		UpdateFrequencySeconds: int(d.UpdateFrequency.Seconds()),
		MessageFormat:          d.MessageFormat,
		IsActive:               d.Active,
		HandlerAvailable:       slices.Contains(h.kinds, string(protocol.ParseKind(d.Transport))),
	}
}

func (h *HTTP) listProtocols(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dir.ListProtocols(r.Context())
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	out := make([]protocolView, 0, len(ds))
	for _, d := range ds {
		out = append(out, h.protocolViewOf(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getProtocol(w http.ResponseWriter, r *http.Request) {
	d, err := h.dir.GetProtocolDescriptor(r.Context(), mux.Vars(r)["name"])
	if errors.Is(err, directory.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "protocol not found", nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, h.protocolViewOf(d))
}
