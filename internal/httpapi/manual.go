package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

type startManualRequest struct {
	PoemID     string `json:"poem_id"`
	TargetLang string `json:"target_lang"`
	SourceLang string `json:"source_lang"`
}

type submitStepRequest struct {
	StepName    string `json:"step_name"`
	LLMResponse string `json:"llm_response"`
	ModelName   string `json:"model_name"`
}

type cleanupRequest struct {
	MaxAgeHours *float64 `json:"max_age_hours"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleStartManual(w http.ResponseWriter, r *http.Request) {
	var req startManualRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PoemID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "poem_id is required")
		return
	}

	prompt, err := s.sessions.Start(r.Context(), req.PoemID, req.TargetLang, req.SourceLang)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, prompt)
}

func (s *Server) handleListManual(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetManual(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(pathID(r))
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "manual session not found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubmitManual(w http.ResponseWriter, r *http.Request) {
	var req submitStepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.StepName) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "step_name is required")
		return
	}

	res, err := s.sessions.Submit(r.Context(), pathID(r), req.StepName, req.LLMResponse, req.ModelName)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanupManual(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	maxAge := s.cfg.SessionMaxAge
	if req.MaxAgeHours != nil {
		if *req.MaxAgeHours < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "max_age_hours must be >= 0")
			return
		}
		maxAge = time.Duration(*req.MaxAgeHours * float64(time.Hour))
	}
	respondJSON(w, http.StatusOK, cleanupResponse{Removed: s.sessions.CleanupExpired(maxAge)})
}
