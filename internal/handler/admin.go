package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/conversation"
	"github.com/awsl-project/agproxy/internal/credential"
	"github.com/awsl-project/agproxy/internal/jsonx"
	"github.com/awsl-project/agproxy/internal/pricing"
	"github.com/awsl-project/agproxy/internal/repository"
	"github.com/awsl-project/agproxy/internal/signature"
)

// AdminHandler serves the panel API under /admin.
type AdminHandler struct {
	cfg     *config.Config
	store   *signature.Store
	creds   *credential.Manager
	convs   *conversation.Manager
	usage   repository.UsageRepository
	logPath string

	startedAt time.Time
}

func NewAdminHandler(
	cfg *config.Config,
	store *signature.Store,
	creds *credential.Manager,
	convs *conversation.Manager,
	usage repository.UsageRepository,
	logPath string,
) *AdminHandler {
	return &AdminHandler{
		cfg:       cfg,
		store:     store,
		creds:     creds,
		convs:     convs,
		usage:     usage,
		logPath:   logPath,
		startedAt: time.Now(),
	}
}

// ServeHTTP routes admin requests.
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin")
	path = strings.TrimSuffix(path, "/")

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	switch parts[1] {
	case "status":
		h.handleStatus(w, r)
	case "backends":
		h.handleBackends(w, r)
	case "signatures":
		h.handleSignatures(w, r)
	case "credentials":
		h.handleCredentials(w, r, parts)
	case "conversations":
		h.handleConversations(w, r)
	case "usage":
		h.handleUsage(w, r)
	case "logs":
		h.handleLogs(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"backends":      len(h.cfg.Backends),
		"conversations": h.convs.Len(),
		"signatures":    h.store.Stats(),
	})
}

func (h *AdminHandler) handleBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	type backendView struct {
		Key      string   `json:"key"`
		Format   string   `json:"format"`
		Priority int      `json:"priority"`
		Enabled  bool     `json:"enabled"`
		Models   []string `json:"models,omitempty"`
		BaseURLs int      `json:"baseURLs"`
	}
	views := make([]backendView, 0, len(h.cfg.Backends))
	for _, b := range h.cfg.Backends {
		views = append(views, backendView{
			Key:      b.Key,
			Format:   string(b.Format),
			Priority: b.Priority,
			Enabled:  b.Enabled,
			Models:   b.Models,
			BaseURLs: len(b.BaseURLs),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) handleSignatures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Stats())
	case http.MethodDelete:
		h.store.Clear()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleCredentials serves GET /admin/credentials?backend=<key> and
// POST /admin/credentials/<backend>/<id>/enable|disable.
func (h *AdminHandler) handleCredentials(w http.ResponseWriter, r *http.Request, parts []string) {
	switch r.Method {
	case http.MethodGet:
		backend := r.URL.Query().Get("backend")
		if backend != "" {
			writeJSON(w, http.StatusOK, h.creds.Snapshot(backend))
			return
		}
		out := map[string]interface{}{}
		for _, key := range h.creds.PoolKeys() {
			out[key] = h.creds.Snapshot(key)
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		if len(parts) < 5 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected /admin/credentials/<backend>/<id>/<action>"})
			return
		}
		backend, id, action := parts[2], parts[3], parts[4]
		var disabled bool
		switch action {
		case "enable":
			disabled = false
		case "disable":
			disabled = true
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + action})
			return
		}
		if !h.creds.SetDisabled(backend, id, disabled) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "credential not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *AdminHandler) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": h.convs.Len()})
}

func (h *AdminHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.usage == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	var filter repository.UsageFilter
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Start = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.End = &t
		}
	}
	filter.BackendKey = q.Get("backend")
	filter.Model = q.Get("model")
	filter.ClientType = q.Get("client")

	stats, err := h.usage.QueryHourly(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type statView struct {
		*repository.HourlyStat
		EstimatedCostMicro int64 `json:"estimatedCostMicro"`
	}
	prices := pricing.Default()
	views := make([]statView, 0, len(stats))
	for _, st := range stats {
		views = append(views, statView{
			HourlyStat: st,
			EstimatedCostMicro: prices.CostMicro(st.Model,
				st.InputTokens, st.OutputTokens, st.CacheReadTokens, st.CacheWriteTokens),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			lines = n
		}
	}
	out, err := ReadLastNLines(h.logPath, lines)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	out, err := jsonx.SafeMarshal(data)
	if err != nil {
		return
	}
	_, _ = w.Write(out)
}
