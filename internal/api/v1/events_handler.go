package v1

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	"session-hub/internal/sse"
)

type EventsHandler struct {
	stream *sse.Stream
}

func NewEventsHandler(stream *sse.Stream) *EventsHandler {
	return &EventsHandler{stream: stream}
}

func RegisterEventRoutes(group *gin.RouterGroup, stream *sse.Stream) {
	if stream == nil {
		return
	}

	handler := NewEventsHandler(stream)
	group.GET("/events", handler.Events)
}

// Events streams fleet events as server-sent events. ?types=a,b narrows the
// stream; Last-Event-ID resumes from the replay buffer.
func (h *EventsHandler) Events(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "stream unsupported")
		return
	}

	var types []string
	if raw := strings.TrimSpace(c.Query("types")); raw != "" {
		types = strings.Split(raw, ",")
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	sub := h.stream.Subscribe(types)
	defer h.stream.Unsubscribe(sub)

	for _, ev := range h.stream.Since(sub, c.GetHeader("Last-Event-ID")) {
		if err := writeEvent(c, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-sub.Done:
			return
		case ev := <-sub.Ch:
			if err := writeEvent(c, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(c *gin.Context, ev sse.Event) error {
	if _, err := fmt.Fprintf(c.Writer, "id: %s\nevent: %s\n", ev.ID, ev.Type); err != nil {
		return err
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(c.Writer, "\n")
	return err
}
