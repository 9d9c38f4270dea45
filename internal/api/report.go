package api

import (
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/internal/agent"
)

// generateReport renders a PDF report for a project through the same
// tool the agent uses, so the HTTP path and the agent path cannot
// drift apart.
func (h *handlers) generateReport(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	res := h.reportTool.Execute(r.Context(), map[string]any{"project_id": projectID})
	if res.Status != agent.StatusSuccess {
		status := http.StatusInternalServerError
		msg := "report generation failed"
		if res.Error != nil {
			msg = res.Error.Message
			if res.Error.Code == "not_found" {
				status = http.StatusNotFound
			}
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res.Data)
}
