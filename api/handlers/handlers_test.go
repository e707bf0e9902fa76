package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/model"
)

type stubRegistry struct {
	live      []model.SessionInfo
	destroyed []string
	err       error
}

func (r *stubRegistry) Snapshot() []model.SessionInfo { return r.live }

func (r *stubRegistry) Destroy(_ context.Context, id string) error {
	if !model.ValidSessionID(id) {
		return model.ErrInvalidSessionID
	}
	if r.err != nil {
		return r.err
	}
	for _, s := range r.live {
		if s.ID == id {
			r.destroyed = append(r.destroyed, id)
			return nil
		}
	}
	return model.ErrSessionNotFound
}

type stubLedger struct {
	records   map[string]*model.SessionRecord
	lastLimit int
	err       error
}

func (l *stubLedger) Get(_ context.Context, id string) (*model.SessionRecord, error) {
	if l.err != nil {
		return nil, l.err
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return rec, nil
}

func (l *stubLedger) List(_ context.Context, limit int) ([]*model.SessionRecord, error) {
	l.lastLimit = limit
	if l.err != nil {
		return nil, l.err
	}
	var out []*model.SessionRecord
	for _, rec := range l.records {
		out = append(out, rec)
	}
	return out, nil
}

func setupRouter(reg SessionRegistry, ledger SessionLedger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewSessionHandler(reg, ledger, logging.NewNop()).RegisterRoutes(r.Group("/api"))
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func liveSession(id string) model.SessionInfo {
	return model.SessionInfo{
		ID:        id,
		State:     model.SessionStateAttached,
		Cols:      80,
		Rows:      24,
		PID:       42,
		CreatedAt: time.Now().Add(-90 * time.Second),
	}
}

func TestListSessions(t *testing.T) {
	reg := &stubRegistry{live: []model.SessionInfo{liveSession("shell-aaaa1111")}}
	ledger := &stubLedger{records: map[string]*model.SessionRecord{
		"shell-bbbb2222": {ID: "shell-bbbb2222", Status: model.SessionStatusExited},
	}}
	r := setupRouter(reg, ledger)

	w := do(r, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "shell-aaaa1111", resp.Sessions[0].ID)
	assert.Equal(t, "attached", resp.Sessions[0].State)
	assert.Equal(t, "1m30s", resp.Sessions[0].Age)
	require.Len(t, resp.History, 1)
	assert.Equal(t, model.SessionStatusExited, resp.History[0].Status)
	assert.Equal(t, defaultHistoryLimit, ledger.lastLimit)
}

func TestListSessionsLimit(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"explicit", "?limit=5", http.StatusOK, 5},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"too large", "?limit=100000", http.StatusBadRequest, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &stubLedger{}
			r := setupRouter(&stubRegistry{}, ledger)

			w := do(r, http.MethodGet, "/api/sessions"+tt.query)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantLimit, ledger.lastLimit)
		})
	}
}

func TestListSessionsWithoutLedger(t *testing.T) {
	r := setupRouter(&stubRegistry{}, nil)

	w := do(r, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[],"history":[]}`, w.Body.String())
}

func TestListSessionsLedgerError(t *testing.T) {
	r := setupRouter(&stubRegistry{}, &stubLedger{err: errors.New("disk gone")})

	w := do(r, http.MethodGet, "/api/sessions")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetSession(t *testing.T) {
	reg := &stubRegistry{live: []model.SessionInfo{liveSession("shell-aaaa1111")}}
	ledger := &stubLedger{records: map[string]*model.SessionRecord{
		"shell-bbbb2222": {ID: "shell-bbbb2222", Status: model.SessionStatusReaped},
	}}
	r := setupRouter(reg, ledger)

	w := do(r, http.MethodGet, "/api/sessions/shell-aaaa1111")
	require.Equal(t, http.StatusOK, w.Code)
	var live SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	assert.Equal(t, 42, live.PID)

	w = do(r, http.MethodGet, "/api/sessions/shell-bbbb2222")
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.SessionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, model.SessionStatusReaped, rec.Status)

	w = do(r, http.MethodGet, "/api/sessions/shell-cccc3333")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "SESSION_NOT_FOUND", errResp.Error.Code)
}

func TestDeleteSession(t *testing.T) {
	reg := &stubRegistry{live: []model.SessionInfo{liveSession("shell-aaaa1111")}}
	r := setupRouter(reg, nil)

	w := do(r, http.MethodDelete, "/api/sessions/shell-aaaa1111")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"shell-aaaa1111"}, reg.destroyed)

	w = do(r, http.MethodDelete, "/api/sessions/shell-bbbb2222")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodDelete, "/api/sessions/not-a-session")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "INVALID_SESSION_ID", errResp.Error.Code)

	reg.err = errors.New("tmux wedged")
	w = do(r, http.MethodDelete, "/api/sessions/shell-aaaa1111")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{400 * time.Millisecond, "0s"},
		{45 * time.Second, "45s"},
		{125 * time.Second, "2m5s"},
		{3*time.Hour + 2*time.Second, "3h0m2s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestWebSocketAttach(t *testing.T) {
	gin.SetMode(gin.TestMode)
	served := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	})

	upgrade := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		return req
	}

	t.Run("plain request is rejected", func(t *testing.T) {
		r := gin.New()
		NewWebSocketHandler(inner, nil).RegisterRoutes(r, "/ws")

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rate limit", func(t *testing.T) {
		served = 0
		r := gin.New()
		NewWebSocketHandler(inner, rate.NewLimiter(rate.Every(time.Hour), 2)).RegisterRoutes(r, "/ws")

		codes := []int{}
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, upgrade())
			codes = append(codes, w.Code)
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
		assert.Equal(t, 2, served)
	})
}

func TestNewConnectLimiter(t *testing.T) {
	assert.Nil(t, NewConnectLimiter(0, 10))

	l := NewConnectLimiter(5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 5, l.Burst())
}
