package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

// DefaultHeartbeatInterval is how often an idle log stream sends a comment
// line to keep intermediaries from closing it.
const DefaultHeartbeatInterval = 15 * time.Second

// StatusResponse lists the active clusters.
type StatusResponse struct {
	Clusters any `json:"clusters"`
}

// StatusHandler serves GET /kube-auth/status.
func StatusHandler(sc *ServerContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Clusters: sc.Manager().Statuses()})
	})
}

// LogStreamHandler serves GET /kube-auth/{id}/logs as server-sent events.
// Retained history is sent first, then live output until the client goes
// away or the server shuts down.
func LogStreamHandler(sc *ServerContext, heartbeat time.Duration) http.Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := sc.Manager().Store().Get(id); !ok {
			http.Error(w, fmt.Sprintf("cluster %s not found", id), http.StatusNotFound)
			return
		}

		rc := http.NewResponseController(w)
		sub, history := sc.Bus().Subscribe(notify.ChannelName(id), notify.DefaultBufferSize)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for _, msg := range history {
			if err := writeEvent(w, msg); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-sc.Context().Done():
				return
			case <-ticker.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeEvent(w, msg); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	})
}

func writeEvent(w io.Writer, msg notify.LogMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
