package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	inputsanitize "session-hub/internal/api/sanitize"
	systemlog "session-hub/pkg/logger"
)

// Query parameters that filter on structured log fields.
var logFieldFilters = []string{"account_id", "node_id", "destination", "strategy", "agent_id", "dispatch_id"}

type SystemHandler struct {
	logStore *systemlog.SystemLogStore
}

func NewSystemHandler(logStore *systemlog.SystemLogStore) *SystemHandler {
	return &SystemHandler{logStore: logStore}
}

func RegisterSystemRoutes(group *gin.RouterGroup, logStore *systemlog.SystemLogStore) {
	if logStore == nil {
		return
	}

	handler := NewSystemHandler(logStore)
	group.GET("/system/logs", handler.QueryLogs)
}

func (h *SystemHandler) QueryLogs(c *gin.Context) {
	from, ok := parseLogTime(c, "from")
	if !ok {
		return
	}
	to, ok := parseLogTime(c, "to")
	if !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		invalidRequest(c, "to must not be before from")
		return
	}

	query := systemlog.LogQuery{
		Level:    inputsanitize.Text(c.Query("level")),
		From:     from,
		To:       to,
		Keyword:  inputsanitize.Text(c.Query("keyword")),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 50),
	}
	for _, key := range logFieldFilters {
		if value := inputsanitize.Text(c.Query(key)); value != "" {
			if query.Fields == nil {
				query.Fields = make(map[string]string)
			}
			query.Fields[key] = value
		}
	}

	page := h.logStore.Query(query)
	response.Paginated(c, page.Items, page.Page, page.PageSize, page.Total)
}

func parseLogTime(c *gin.Context, key string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidRequest, key+" must be RFC3339")
		return time.Time{}, false
	}
	return parsed, true
}
