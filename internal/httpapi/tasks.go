package httpapi

import (
	"net/http"

	"github.com/ent0n29/versecraft/internal/taskruntime"
)

type startWorkflowResponse struct {
	TaskID string `json:"task_id"`
}

type cancelTaskResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req taskruntime.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.PoemID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "poem_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = "hybrid"
	}

	id, err := s.taskService.StartTranslationWorkflow(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startWorkflowResponse{TaskID: id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskService.GetTaskStatus(pathID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleCancelTask answers 200 either way; cancelled is false when the task
// is unknown or already finished.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	respondJSON(w, http.StatusOK, cancelTaskResponse{
		TaskID:    id,
		Cancelled: s.taskService.CancelTask(id),
	})
}
