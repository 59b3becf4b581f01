package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"dockyard/internal/model"
	"dockyard/internal/serviceapi"
)

const websocketWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleJobEvents streams a job's events as server-sent events. Each event
// carries its id so clients can resume with Last-Event-ID.
func (a *api) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	events, detach, err := a.core.Events(req.Context(), mux.Vars(req)["id"], runIDParam(req), lastEventID(req))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer detach()

	controller := http.NewResponseController(w)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			if err := controller.Flush(); err != nil {
				return
			}
		}
	}
}

// handleJobStream sends the same events as JSON text frames over a
// WebSocket and closes normally once the job completes.
func (a *api) handleJobStream(w http.ResponseWriter, req *http.Request) {
	events, detach, err := a.core.Events(req.Context(), mux.Vars(req)["id"], runIDParam(req), lastEventID(req))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer detach()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Info("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				deadline := time.Now().Add(websocketWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job completed"), deadline)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event model.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var frame strings.Builder
	if event.ID != "" {
		fmt.Fprintf(&frame, "id: %s\n", event.ID)
	}
	fmt.Fprintf(&frame, "event: %s\ndata: %s\n\n", event.Type, data)
	_, err = io.WriteString(w, frame.String())
	return err
}

func lastEventID(req *http.Request) string {
	if id := strings.TrimSpace(req.Header.Get(serviceapi.HeaderLastEventID)); id != "" {
		return id
	}
	return strings.TrimSpace(req.URL.Query().Get("lastEventId"))
}
