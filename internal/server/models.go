package server

import (
	"log/slog"
	"net/http"
	"time"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/modelcat"
)

// handleListModels returns the catalog visible to the caller key, aliases
// included, minus globally disabled models. The shape is OpenAI-compatible
// so existing clients can discover models unchanged.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := proxy.KeyFromContext(ctx)

	disabled := make(map[string]bool)
	if models, err := s.deps.Store.ListDisabledModels(ctx); err == nil {
		for _, m := range models {
			disabled[m.Model] = true
		}
	} else {
		// Listing still works; disabled models just reappear until the
		// store recovers. The relay re-checks on use.
		slog.LogAttrs(ctx, slog.LevelWarn, "list disabled models",
			slog.String("error", err.Error()))
	}

	now := time.Now().Unix()
	data := make([]modelEntry, 0, len(modelcat.List())*2)
	for _, m := range modelcat.List() {
		if disabled[m.ID] || (key != nil && !key.AllowsModel(m.ID)) {
			continue
		}
		owner := "system"
		if len(m.Providers) > 0 {
			owner = m.Providers[0]
		}
		data = append(data, modelEntry{ID: m.ID, Object: "model", Created: now, OwnedBy: owner})
		for _, alias := range m.Aliases {
			data = append(data, modelEntry{ID: alias, Object: "model", Created: now, OwnedBy: owner})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
