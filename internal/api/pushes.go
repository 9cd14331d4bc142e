package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/nmfleet/internal/audit"
)

// handleListPushes returns the push history, most recent first.
//
// Query parameters:
//   - target: exact host:port
//   - broadcast: "true" or "false"
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListPushes(w http.ResponseWriter, r *http.Request) {
	if s.pushLog == nil {
		writeUnavailable(w, "push log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Target: q.Get("target")}

	if v := q.Get("broadcast"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "broadcast must be true or false")
			return
		}
		filter.Broadcast = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	res, err := s.pushLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing push log failed", "error", err)
		writeInternalError(w, "failed to list pushes")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
