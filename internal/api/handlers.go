package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/auth"
	"github.com/thebtf/banquet/internal/menuresults"
	"github.com/thebtf/banquet/internal/popup"
	"github.com/thebtf/banquet/internal/telemetry"
)

type healthResponse struct {
	Totals     *telemetry.Totals `json:"totals,omitempty"`
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Connection auth.State        `json:"connection"`
	Uptime     string            `json:"uptime"`
	Browsers   int               `json:"browsers"`
	Popups     int               `json:"popups"`
	Ready      bool              `json:"ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Version:    s.version,
		Connection: s.handshake.Snapshot().State,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Browsers:   s.broadcaster.ClientCount(),
		Popups:     s.popups.Len(),
		Ready:      s.ready.Load(),
	}
	if s.metrics != nil {
		t := s.metrics.Totals()
		resp.Totals = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Connection

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handshake.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.respondConnection(w, s.handshake.StartLogin(r.Context()), http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.respondConnection(w, s.handshake.Cancel(r.Context()), http.StatusOK)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.respondConnection(w, s.handshake.Disconnect(r.Context()), http.StatusOK)
}

func (s *Server) respondConnection(w http.ResponseWriter, err error, okStatus int) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, okStatus, s.handshake.Snapshot())
}

// Message inbox

func (s *Server) handleMessagePreflight(w http.ResponseWriter, r *http.Request) {
	if !s.allowCORS(w, r) {
		writeError(w, http.StatusForbidden, auth.ErrUntrustedOrigin.Error())
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	s.allowCORS(w, r)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	err = s.handshake.HandleMessage(r.Context(), r.Header.Get("Origin"), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.handshake.Snapshot())
	case errors.Is(err, auth.ErrUntrustedOrigin), errors.Is(err, auth.ErrMalformedMessage):
		writeError(w, statusFor(err), err.Error())
	default:
		// The popup only needs to know the message was taken; the outcome
		// reaches the page through the event stream.
		log.Debug().Err(err).Msg("Popup message processed with error")
		writeJSON(w, http.StatusOK, s.handshake.Snapshot())
	}
}

// allowCORS echoes the origin back only when it is on the allow-list.
func (s *Server) allowCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !s.handshake.TrustsOrigin(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}

// Popups

func (s *Server) handlePopupHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.respondPopup(w, s.popups.Heartbeat(chi.URLParam(r, "id")))
}

func (s *Server) handlePopupClosed(w http.ResponseWriter, r *http.Request) {
	s.respondPopup(w, s.popups.MarkClosed(chi.URLParam(r, "id")))
}

func (s *Server) handlePopupBlocked(w http.ResponseWriter, r *http.Request) {
	s.respondPopup(w, s.popups.MarkBlocked(chi.URLParam(r, "id")))
}

func (s *Server) respondPopup(w http.ResponseWriter, err error) {
	if errors.Is(err, popup.ErrUnknownPopup) {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Results

type searchRequest struct {
	ItemName   string `json:"itemName"`
	PropertyID string `json:"propertyId"`
}

type draftRequest struct {
	UnitPrice *float64 `json:"unitPrice"`
	ID        string   `json:"id"`
}

type draftsRequest struct {
	Drafts []draftRequest `json:"drafts"`
}

type saveResponse struct {
	Result menuresults.UpdateResult `json:"result"`
	View   menuresults.View         `json:"view"`
	Error  string                   `json:"error,omitempty"`
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *Server) handleSetResults(w http.ResponseWriter, r *http.Request) {
	var v menuresults.Value
	if err := decodeJSON(w, r, &v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.loadResults(r, v)
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusNotImplemented, "search is not available")
		return
	}
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ItemName == "" {
		writeError(w, http.StatusBadRequest, "itemName is required")
		return
	}

	v, err := s.searcher.FindBookingsByMenuItem(r.Context(), req.ItemName, req.PropertyID)
	if err != nil {
		log.Error().Err(err).Str("item", req.ItemName).Msg("Booking search failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.loadResults(r, v)
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *Server) loadResults(r *http.Request, v menuresults.Value) {
	res := s.editor.SetValue(v)
	if s.metrics != nil {
		s.metrics.RecordParse(r.Context(), len(res.Items), res.SkippedLines, res.SkippedItems, len(res.Warnings))
	}
}

// handleDrafts accepts a single {id, unitPrice} or {"drafts": [...]}.
// Drafts are applied in order; the first unknown row stops the batch.
func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var batch draftsRequest
	if err := unmarshal(body, &batch); err != nil || len(batch.Drafts) == 0 {
		var single draftRequest
		if err := unmarshal(body, &single); err != nil || single.ID == "" {
			writeError(w, http.StatusBadRequest, "expected {id, unitPrice} or {drafts: [...]}")
			return
		}
		batch.Drafts = []draftRequest{single}
	}

	for _, d := range batch.Drafts {
		if err := s.editor.ApplyDraft(d.ID, d.UnitPrice); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	result, err := s.editor.Save(r.Context())
	resp := saveResponse{Result: result, View: s.editor.View()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelEdits(w http.ResponseWriter, r *http.Request) {
	s.editor.Cancel()
	writeJSON(w, http.StatusOK, s.editor.View())
}
