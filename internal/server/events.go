package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ralphloop/ralph/internal/eventbus"
)

// namespaceOf maps an eventbus.Type to the SSE namespace the client filters
// on (session:*, respawn:*, plan:*, tool:*, scheduled:*), per §6.
func namespaceOf(t eventbus.Type) string {
	switch t {
	case eventbus.RespawnBlocked:
		return "respawn:blocked"
	case eventbus.BreakerTripped:
		return "respawn:breaker_tripped"
	case eventbus.PlanUpdated:
		return "plan:updated"
	case eventbus.ToolsUpdate:
		return "tool:update"
	case eventbus.SessionCreated:
		return "session:created"
	case eventbus.SessionRemoved:
		return "session:removed"
	case eventbus.StatusUpdate:
		return "session:status"
	case eventbus.TodoUpdated:
		return "session:todo"
	default:
		return "session:" + string(t)
	}
}

// handleEvents serves the supervisor-wide event stream over SSE (§6): every
// namespace fans out over one connection, filtered server-side by the
// comma-separated namespace prefixes of the "ns" query parameter when one
// is given. Built directly on net/http's http.Flusher —
// no pack library targets SSE specifically, and the teacher already builds
// its HTTP surface on net/http without a router or streaming helper.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	var nsFilter []string
	if q := r.URL.Query().Get("ns"); q != "" {
		nsFilter = strings.Split(q, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ns := namespaceOf(ev.Type)
			if len(nsFilter) > 0 && !matchesAny(ns, nsFilter) {
				continue
			}
			data, err := json.Marshal(map[string]any{
				"namespace": ns,
				"sessionId": ev.SessionID,
				"payload":   ev.Payload,
				"time":      ev.Time,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ns, data)
			flusher.Flush()
		}
	}
}

func matchesAny(ns string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(ns, p) {
			return true
		}
	}
	return false
}
