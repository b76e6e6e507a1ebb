package status

import (
	"encoding/json"
	"net/http"
	"time"

	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
)

// Event types pushed over the stream. One JSON message per event, tagged
// with a type field; the server closes the channel after a terminal event.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventError     = "error"
	EventTimeout   = "timeout"
)

// StreamEvent is one server-to-client push message.
type StreamEvent struct {
	Type string `json:"type"`
	View *View  `json:"data,omitempty"`
}

// Streamer pushes periodic status snapshots over Server-Sent Events.
type Streamer struct {
	svc      *Service
	interval time.Duration
	ceiling  time.Duration
}

// NewStreamer configures the push surface. ceiling bounds unattended streams
// regardless of job execution time.
func NewStreamer(svc *Service, interval, ceiling time.Duration) *Streamer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if ceiling <= 0 {
		ceiling = time.Hour
	}
	return &Streamer{svc: svc, interval: interval, ceiling: ceiling}
}

// ServeRun streams one run's status until it reaches a terminal state, the
// safety ceiling expires, or the client disconnects.
func (s *Streamer) ServeRun(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(ev StreamEvent) bool {
		raw, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := w.Write(append(append([]byte("data: "), raw...), '\n', '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(StreamEvent{Type: EventConnected}) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.ceiling)
	defer deadline.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			send(StreamEvent{Type: EventTimeout})
			return
		case <-ticker.C:
			view, err := s.svc.RunStatus(ctx, runID)
			if err != nil {
				logging.L().Warnw("stream status read failed", "run_id", runID, "error", err)
				if IsNotFound(err) {
					send(StreamEvent{Type: EventError})
					return
				}
				continue
			}
			switch {
			case view.Status == models.RunCompleted:
				send(StreamEvent{Type: EventCompleted, View: &view})
				return
			case view.Status == models.RunFailed:
				send(StreamEvent{Type: EventError, View: &view})
				return
			default:
				if !send(StreamEvent{Type: EventProgress, View: &view}) {
					return
				}
			}
		}
	}
}
