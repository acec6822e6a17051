package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/events"
)

// wsHandler handles GET /ws?topics=. The connection starts subscribed to the
// listed channels (default: the tenant's broadcast feed) and can adjust its
// subscriptions, request catch-up, and receive rehydrated payloads through
// the ConnectionManager protocol.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	tenant := tenantID(c)
	channels, err := s.resolveTopics(c, tenant)
	if err != nil {
		return err
	}

	// Empty AllowedWSOrigins leaves OriginPatterns nil, which keeps the
	// library's same-origin check.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, channels)
	return nil
}

// resolveTopics validates ?topics= against the caller's tenant. Allowed:
// the tenant's own feed and approval/question channels whose entity belongs
// to the tenant. Cancel channels are internal and not subscribable.
func (s *Server) resolveTopics(c *echo.Context, tenant string) ([]string, error) {
	raw := c.QueryParam("topics")
	if raw == "" {
		return []string{events.TenantChannel(tenant)}, nil
	}

	ctx := c.Request().Context()
	var channels []string
	for _, topic := range strings.Split(raw, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		switch {
		case topic == events.TenantChannel(tenant):
		case strings.HasPrefix(topic, "approval:") || strings.HasPrefix(topic, "question:"):
			id := topic[strings.Index(topic, ":")+1:]
			if _, err := s.approvals.Get(ctx, tenant, id); err != nil {
				return nil, mapServiceError(err)
			}
		default:
			return nil, echo.NewHTTPError(http.StatusForbidden, "topic not allowed: "+topic)
		}
		channels = append(channels, topic)
	}
	if len(channels) == 0 {
		channels = []string{events.TenantChannel(tenant)}
	}
	return channels, nil
}
