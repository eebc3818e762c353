package server

import (
	"net/http"

	"github.com/wolfeidau/image-cache/allowlist"
	"github.com/wolfeidau/image-cache/images"
	"github.com/wolfeidau/image-cache/telemetry"
)

// handleModeratorList serves GET /moderators: the current allowlist, sorted.
func (s *Server) handleModeratorList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "moderator_list")

	members := s.allowlist.Members()
	images.WriteJSON(w, r, http.StatusOK, map[string]any{
		"moderators": members,
		"count":      len(members),
	})
}

// handleModeratorCheck serves GET /moderators/{id}. Both outcomes are 200;
// absence from the allowlist is an answer, not an error.
func (s *Server) handleModeratorCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "moderator_check")

	id := allowlist.Normalize(r.PathValue("id"))
	if id == "" {
		images.WriteError(w, r, http.StatusBadRequest, images.CodeInvalidRequest,
			"moderator id must not be blank")
		return
	}
	images.WriteJSON(w, r, http.StatusOK, map[string]any{
		"id":        id,
		"moderator": s.allowlist.IsMember(id),
	})
}

// handleModeratorReload serves POST /moderators/reload: re-reads the backing
// file immediately instead of waiting out the TTL.
func (s *Server) handleModeratorReload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "moderator_reload")

	members := s.allowlist.Reload()
	s.logger.Info("allowlist reload requested", "members", len(members))
	images.WriteJSON(w, r, http.StatusOK, map[string]any{
		"moderators": members,
		"count":      len(members),
	})
}
