package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/NJLangley/stateful-scenes/internal/ledger"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// ledgerEntryView is the JSON shape of one ledger entry.
type ledgerEntryView struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	SceneID   string         `json:"scene_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
}

func ledgerViews(entries []*ledger.Entry) []ledgerEntryView {
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryView{
			ID:        e.ID,
			RunID:     e.RunID,
			SceneID:   e.SceneID,
			EventType: string(e.EventType),
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			Source:    e.Source,
		})
	}
	return out
}

// handleLedger returns the most recent transitions across all scenes.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit, ok := ledgerLimit(w, r)
	if !ok {
		return
	}
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []ledgerEntryView{}, "count": 0})
		return
	}

	entries, err := s.ledger.Recent(limit)
	if err != nil {
		writeInternalError(w, "failed to read ledger")
		return
	}

	views := ledgerViews(entries)
	writeJSON(w, http.StatusOK, map[string]any{"entries": views, "count": len(views)})
}

// handleSceneLedger returns the most recent transitions of one scene.
func (s *Server) handleSceneLedger(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookupScene(w, r); !ok {
		return
	}
	limit, ok := ledgerLimit(w, r)
	if !ok {
		return
	}
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []ledgerEntryView{}, "count": 0})
		return
	}

	entries, err := s.ledger.ForScene(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeInternalError(w, "failed to read ledger")
		return
	}

	views := ledgerViews(entries)
	writeJSON(w, http.StatusOK, map[string]any{"entries": views, "count": len(views)})
}

func ledgerLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLedgerLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeBadRequest(w, "invalid limit")
		return 0, false
	}
	if limit > maxLedgerLimit {
		limit = maxLedgerLimit
	}
	return limit, true
}
