package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
)

// newValidationServer builds a Server whose factories sit over an
// unconnected graph driver. go-redis dials lazily, so every parameter
// validation path runs without live backends; happy paths are covered by the
// end-to-end suite.
func newValidationServer(t *testing.T) *Server {
	t.Helper()
	d := graph.NewDriver(graph.Config{Addr: "localhost:0", KeyPrefix: "sibyl_"})
	t.Cleanup(func() { _ = d.Close() })
	return &Server{
		entities:      entity.NewFactory(d, nil, nil),
		relationships: relationship.NewFactory(d),
	}
}

func newJSONContext(t *testing.T, e *echo.Echo, method, target, body string) (*echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(graph.TenantHeader, "acme")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPError(t *testing.T, err error, code int, msg string) {
	t.Helper()
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	assert.Equal(t, code, he.Code)
	if msg != "" {
		assert.Contains(t, he.Error(), msg)
	}
}

func TestCreateAgentHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	t.Run("missing prompt", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/agents", `{"agent_type":"worker"}`)
		assertHTTPError(t, s.createAgentHandler(c), http.StatusBadRequest, "prompt is required")
	})

	t.Run("malformed body", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/agents", `{not json`)
		assertHTTPError(t, s.createAgentHandler(c), http.StatusBadRequest, "invalid request body")
	})
}

func TestResumeAgentHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/agents/a1/resume", `{}`)
	assertHTTPError(t, s.resumeAgentHandler(c), http.StatusBadRequest, "message is required")
}

func TestRespondApprovalHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/approvals/ap1/respond", `{"by":"alice"}`)
	assertHTTPError(t, s.respondApprovalHandler(c), http.StatusBadRequest, "approved is required")
}

func TestRespondQuestionHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/questions/q1/respond", `{"answers":{}}`)
	assertHTTPError(t, s.respondQuestionHandler(c), http.StatusBadRequest, "answers are required")
}

func TestCreateEntityHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/entities", `{"kind":"note"}`)
	assertHTTPError(t, s.createEntityHandler(c), http.StatusBadRequest, "name is required")
}

func TestListEntitiesHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	tests := []struct {
		name  string
		query string
		msg   string
	}{
		{name: "invalid kind", query: "kind=starship", msg: "invalid kind"},
		{name: "invalid limit", query: "kind=task&limit=0", msg: "invalid limit"},
		{name: "limit too large", query: "kind=task&limit=9999", msg: "invalid limit"},
		{name: "negative offset", query: "kind=task&offset=-1", msg: "invalid offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newJSONContext(t, e, http.MethodGet, "/api/v1/entities?"+tt.query, "")
			assertHTTPError(t, s.listEntitiesHandler(c), http.StatusBadRequest, tt.msg)
		})
	}
}

func TestSearchEntitiesHandler_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	t.Run("missing query", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/entities/search", `{"limit":5}`)
		assertHTTPError(t, s.searchEntitiesHandler(c), http.StatusBadRequest, "query is required")
	})

	t.Run("invalid kind", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodPost, "/api/v1/entities/search",
			`{"query":"auth","kinds":["starship"]}`)
		assertHTTPError(t, s.searchEntitiesHandler(c), http.StatusBadRequest, "invalid kind")
	})
}

func TestRelationshipHandlers_Validation(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	t.Run("invalid direction", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodGet, "/api/v1/entities/e1/relationships?direction=sideways", "")
		assertHTTPError(t, s.listEntityRelationshipsHandler(c), http.StatusBadRequest, "invalid direction")
	})

	t.Run("invalid max_depth", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodGet, "/api/v1/entities/e1/related?max_depth=0", "")
		assertHTTPError(t, s.relatedEntitiesHandler(c), http.StatusBadRequest, "invalid max_depth")
	})

	t.Run("invalid limit", func(t *testing.T) {
		c, _ := newJSONContext(t, e, http.MethodGet, "/api/v1/entities/e1/related?limit=500", "")
		assertHTTPError(t, s.relatedEntitiesHandler(c), http.StatusBadRequest, "invalid limit")
	})
}

func TestResolveTopics_ForeignTenantRejected(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodGet, "/ws?topics=tenant:other", "")
	_, err := s.resolveTopics(c, "acme")
	assertHTTPError(t, err, http.StatusForbidden, "topic not allowed")
}

func TestResolveTopics_DefaultsToTenantFeed(t *testing.T) {
	s := newValidationServer(t)
	e := echo.New()

	c, _ := newJSONContext(t, e, http.MethodGet, "/ws", "")
	channels, err := s.resolveTopics(c, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant:acme"}, channels)
}
