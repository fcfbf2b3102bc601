package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
	"github.com/Hephaestus-V/PingPongBot/internal/logger"
	"github.com/Hephaestus-V/PingPongBot/pkg/journal"
)

// Health status values
const (
	StatusOK       = "ok"
	StatusStarting = "starting"
	StatusDegraded = "degraded"
)

// HealthResponse is the body of /health
type HealthResponse struct {
	Status         string       `json:"status"`
	RunID          string       `json:"runId"`
	CursorBlock    int64        `json:"cursorBlock"`
	CursorLogIndex int64        `json:"cursorLogIndex"`
	ChainHead      uint64       `json:"chainHead"`
	Queued         int          `json:"queued"`
	Ticks          uint64       `json:"ticks"`
	LastTick       *time.Time   `json:"lastTick,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	Pending        *PendingInfo `json:"pending,omitempty"`
	Uptime         string       `json:"uptime"`
}

// PendingInfo summarizes the outstanding pong
type PendingInfo struct {
	Nonce        uint64      `json:"nonce"`
	TxHash       common.Hash `json:"txHash"`
	PingKey      string      `json:"pingKey"`
	SentAtBlock  uint64      `json:"sentAtBlock"`
	Replacements int         `json:"replacements"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth reports liveness. A failed last tick is degraded but still
// answers 200 since the engine retries on its own.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	resp := HealthResponse{
		Status: StatusStarting,
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}

	if snap != nil {
		resp.RunID = snap.RunID
		resp.ChainHead = snap.ChainHead
		resp.Queued = snap.Queued
		resp.Ticks = snap.Ticks
		resp.LastError = snap.LastError
		if !snap.LastTick.IsZero() {
			t := snap.LastTick
			resp.LastTick = &t
		}
		if st := snap.State; st != nil {
			resp.CursorBlock = st.CursorBlock
			resp.CursorLogIndex = st.CursorLogIndex
			if p := st.Pending; p != nil {
				resp.Pending = &PendingInfo{
					Nonce:        p.Nonce,
					TxHash:       p.TxHash,
					PingKey:      p.EventKey,
					SentAtBlock:  p.SentAtBlock,
					Replacements: p.ReplacementCount,
				}
			}
		}

		switch {
		case snap.Ticks == 0:
			resp.Status = StatusStarting
		case snap.LastError != "":
			resp.Status = StatusDegraded
		default:
			resp.Status = StatusOK
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	if snap == nil || snap.State == nil {
		s.writeError(w, http.StatusServiceUnavailable, "state not loaded")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": s.config.Version,
		"name":    "pingpong",
	})
}

func (s *Server) handleRecentOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, http.StatusServiceUnavailable, "outcome journal disabled")
		return
	}

	limit := constants.DefaultOutcomesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, constants.MaxOutcomesLimit)
	}

	outcomes, err := s.outcomes.Recent(limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to read outcomes", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read outcomes")
		return
	}
	s.writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, http.StatusServiceUnavailable, "outcome journal disabled")
		return
	}

	key := chi.URLParam(r, "key")
	o, err := s.outcomes.Get(key)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "outcome not found")
		return
	case err != nil:
		logger.FromContext(r.Context()).Error("failed to read outcome", zap.String("key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read outcome")
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
