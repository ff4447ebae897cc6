package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. The push
// channel (/ws) is mounted by the caller alongside these.
func MountRoutes(r chi.Router, h *Handlers) {
	// Agent surface
	r.Post("/subtask", h.ReceiveSubtask)
	r.Get("/task/{role}", h.ClaimTask)
	r.Post("/report", h.ReceiveReport)
	r.Post("/subtask/{id}/accept", h.AcceptSubtask)
	r.Post("/subtask/{id}/reject", h.RejectSubtask)
	r.Post("/subtask/{id}/fail", h.FailSubtask)
	r.Get("/subtask_status/{id}", h.SubtaskStatus)
	r.Get("/all_subtask_statuses", h.AllSubtaskStatuses)
	r.Post("/heartbeat", h.Heartbeat)

	r.Post("/structure", h.ReceiveStructure)
	r.Get("/structure", h.GetStructure)
	r.Get("/structurer/reports", h.StructurerReports)
	r.Get("/coordinator/feedback", h.CoordinatorFeedback)

	r.Post("/ai3_report", h.ReceiveStructurerReport)
	r.Get("/ai3_report", h.GetStructurerReport)
	r.Post("/ai_collaboration", h.ReceiveCollaboration)
	r.Get("/ai_collaboration", h.ListCollaborations)

	// Operator surface
	r.Get("/config", h.GetConfig)
	r.Post("/update_config", h.UpdateConfig)
	r.Post("/update_config_item", h.UpdateConfigItem)
	r.Get("/providers", h.ListProviders)
	r.Post("/update_ai_provider", h.UpdateProvider)

	r.Get("/file_content", h.FileContent)
	r.Get("/health", h.Health)

	r.Post("/start_ai1", h.StartAgent("ai1"))
	r.Post("/stop_ai1", h.StopAgent("ai1"))
	r.Post("/start_ai2", h.StartAgent("ai2"))
	r.Post("/stop_ai2", h.StopAgent("ai2"))
	r.Post("/start_ai3", h.StartAgent("ai3"))
	r.Post("/stop_ai3", h.StopAgent("ai3"))
	r.Post("/start_all", h.StartAll)
	r.Post("/stop_all", h.StopAll)
	r.Post("/clear", h.Clear)
	r.Post("/clear_repo", h.ClearRepo)
}
