package httpapi

import (
	"net/http"

	"github.com/ent0n29/versecraft/internal/workflow"
)

func (s *Server) handleListPoems(w http.ResponseWriter, r *http.Request) {
	poems, err := s.repo.ListPoems(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"poems": poems})
}

func (s *Server) handleSavePoem(w http.ResponseWriter, r *http.Request) {
	var poem workflow.Poem
	if err := decodeJSON(r, &poem); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if poem.SourceLang != "" {
		lang, err := workflow.NormalizeLanguage(poem.SourceLang)
		if err != nil {
			respondErr(w, err)
			return
		}
		poem.SourceLang = lang
	}
	if err := s.repo.SavePoem(r.Context(), poem); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, poem)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.repo.GetWorkflowResult(r.Context(), pathID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
