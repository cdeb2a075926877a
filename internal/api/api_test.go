package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/claude-headspace/internal/card"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/correlator"
	"github.com/samotage/claude-headspace/internal/hookstate"
	"github.com/samotage/claude-headspace/internal/ingest"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/terminal"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

type nullSink struct{}

func (nullSink) SendText(context.Context, string, string, time.Duration) error { return nil }
func (nullSink) CapturePane(context.Context, string, int) (string, error)      { return "", nil }
func (nullSink) ListPanes(context.Context) ([]terminal.Pane, error)            { return nil, nil }

func newTestRouter(t *testing.T, store repository.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	det := intent.NewDetector([]string{"AskUserQuestion"})
	locks := lockmgr.NewMemoryManager(time.Second)
	ing := ingest.New(ingest.Config{
		Store:          store,
		Locks:          locks,
		Hooks:          hookstate.New(),
		Lifecycle:      lifecycle.NewManager(det, log),
		Correlator:     correlator.New(store, time.Hour, log),
		Detector:       det,
		Sink:           nullSink{},
		Logger:         log,
		DeferredDelays: []time.Duration{5 * time.Millisecond},
		StaleAwaiting:  time.Minute,
	})
	projector := card.NewProjector(store, 2*time.Minute)

	router := gin.New()
	RegisterRoutes(router, NewHandlers(ing, store, projector, locks, log))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHookRoundTripOverHTTP(t *testing.T) {
	store := repository.NewMemoryStore()
	router := newTestRouter(t, store)

	w := postJSON(t, router, "/api/v1/hooks/user_prompt_submit", map[string]any{
		"session_id": "sess-http",
		"cwd":        "/home/dev/proj",
		"prompt":     "fix auth",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK       bool   `json:"ok"`
		AgentID  string `json:"agent_id"`
		NewState string `json:"new_state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.AgentID)
	assert.Equal(t, string(models.TaskStateCommanded), resp.NewState)

	w = get(t, router, "/api/v1/agents/"+resp.AgentID+"/card")
	require.Equal(t, http.StatusOK, w.Code)
	var projected card.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projected))
	assert.Equal(t, models.TaskStateCommanded, projected.State)
}

func TestHookMissingSessionReturns400(t *testing.T) {
	router := newTestRouter(t, repository.NewMemoryStore())

	w := postJSON(t, router, "/api/v1/hooks/stop", map[string]any{"cwd": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownHookKindReturns400(t *testing.T) {
	router := newTestRouter(t, repository.NewMemoryStore())

	w := postJSON(t, router, "/api/v1/hooks/compaction", map[string]any{"session_id": "s"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRespondNotAwaitingReturns409(t *testing.T) {
	store := repository.NewMemoryStore()
	router := newTestRouter(t, store)

	w := postJSON(t, router, "/api/v1/hooks/user_prompt_submit", map[string]any{
		"session_id": "sess-409",
		"cwd":        "/home/dev/proj",
		"pane_id":    "%1",
		"prompt":     "work",
	})
	var resp struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = postJSON(t, router, "/api/v1/agents/"+resp.AgentID+"/respond", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var respErr respondResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &respErr))
	assert.Equal(t, "not_awaiting_input", respErr.ErrorKind)
}

func TestRespondUnknownAgentReturns404(t *testing.T) {
	router := newTestRouter(t, repository.NewMemoryStore())

	w := postJSON(t, router, "/api/v1/agents/no-such-agent/respond", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTranscriptPaging(t *testing.T) {
	store := repository.NewMemoryStore()
	router := newTestRouter(t, store)

	var agentID string
	for i := 0; i < 3; i++ {
		w := postJSON(t, router, "/api/v1/hooks/user_prompt_submit", map[string]any{
			"session_id": "sess-page",
			"cwd":        "/home/dev/proj",
			"prompt":     fmt.Sprintf("command %d", i),
		})
		var resp struct {
			AgentID string `json:"agent_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		agentID = resp.AgentID
	}

	w := get(t, router, "/api/v1/agents/"+agentID+"/transcript?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Turns []*models.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Turns, 2)
	// Chronological order within the page.
	assert.True(t, page.Turns[0].ID < page.Turns[1].ID ||
		page.Turns[0].Timestamp.Before(page.Turns[1].Timestamp),
		"page out of order: %d then %d", page.Turns[0].ID, page.Turns[1].ID)

	w = get(t, router, "/api/v1/agents/"+agentID+"/transcript?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAgentsReturnsCards(t *testing.T) {
	store := repository.NewMemoryStore()
	router := newTestRouter(t, store)

	postJSON(t, router, "/api/v1/hooks/session_start", map[string]any{
		"session_id": "sess-a",
		"cwd":        "/home/dev/alpha",
	})
	postJSON(t, router, "/api/v1/hooks/session_start", map[string]any{
		"session_id": "sess-b",
		"cwd":        "/home/dev/beta",
	})

	w := get(t, router, "/api/v1/agents")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Agents []*card.Card `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Agents, 2)
}

func TestDebugLocksEmpty(t *testing.T) {
	router := newTestRouter(t, repository.NewMemoryStore())

	w := get(t, router, "/api/v1/debug/locks")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Locks []heldLockView `json:"locks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Locks)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, repository.NewMemoryStore())
	w := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}
