package v1

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"session-hub/internal/event"
	"session-hub/internal/sse"
)

func TestEventsStreamsFilteredEvents(t *testing.T) {
	stream := sse.NewStream(time.Hour, nil)
	defer stream.Close()

	router := gin.New()
	RegisterEventRoutes(router.Group("/api/v1"), stream)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/events?types="+event.EventNodeFailed, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for stream.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stream.Emit(event.EventAccountStatus, map[string]string{"account_id": "acc-1"})
	stream.Emit(event.EventNodeFailed, map[string]string{"node_id": "node-a"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimPrefix(line, "event: "); got != event.EventNodeFailed {
				t.Fatalf("event = %q, want %q", got, event.EventNodeFailed)
			}
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
