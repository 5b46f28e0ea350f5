package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"astergrid/kernel"
	"astergrid/notify"
	"astergrid/trader/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeController struct {
	paused    bool
	halted    bool
	mode      types.TradingMode
	switchErr error
	reasons   []string
}

func (f *fakeController) Status() notify.StatusReport {
	state := "RUNNING"
	switch {
	case f.halted:
		state = "HALTED"
	case f.paused:
		state = "PAUSED"
	}
	return notify.StatusReport{Symbol: "ASTERUSDT", State: state, Mode: string(f.mode), Uptime: 90 * time.Second}
}

func (f *fakeController) Snapshot() kernel.Snapshot {
	return kernel.Snapshot{Generation: 3, RealizedPnL: decimal.RequireFromString("1.25"), Positions: 1}
}

func (f *fakeController) Levels() []kernel.LevelView {
	return []kernel.LevelView{{Index: 0, Price: decimal.RequireFromString("0.95"), Side: types.SideBuy, StateName: "ENTRY_PLACED"}}
}

func (f *fakeController) Pause(reason string) bool {
	f.reasons = append(f.reasons, reason)
	if f.paused {
		return false
	}
	f.paused = true
	return true
}

func (f *fakeController) Resume(_ context.Context, reason string) bool {
	f.reasons = append(f.reasons, reason)
	if !f.paused || f.halted {
		return false
	}
	f.paused = false
	return true
}

func (f *fakeController) SwitchSide(_ context.Context, mode types.TradingMode, reason string) error {
	f.reasons = append(f.reasons, reason)
	if f.switchErr != nil {
		return f.switchErr
	}
	f.mode = mode
	return nil
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func mustToken(t *testing.T) string {
	t.Helper()
	tok, err := GenerateToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestServer_PublicRoutes(t *testing.T) {
	s := NewServer(&fakeController{mode: types.ModeLong}, 0, testSecret)

	w := do(t, s, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = do(t, s, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Symbol   string `json:"symbol"`
		State    string `json:"state"`
		Mode     string `json:"mode"`
		Uptime   string `json:"uptime"`
		Snapshot struct {
			Generation  uint64 `json:"generation"`
			RealizedPnL string `json:"realized_pnl"`
		} `json:"snapshot"`
		Levels []struct {
			Price string `json:"price"`
			State string `json:"state"`
		} `json:"levels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ASTERUSDT", body.Symbol)
	assert.Equal(t, "RUNNING", body.State)
	assert.Equal(t, "LONG", body.Mode)
	assert.Equal(t, "1m30s", body.Uptime)
	assert.Equal(t, uint64(3), body.Snapshot.Generation)
	assert.Equal(t, "1.25", body.Snapshot.RealizedPnL)
	require.Len(t, body.Levels, 1)
	assert.Equal(t, "0.95", body.Levels[0].Price)
	assert.Equal(t, "ENTRY_PLACED", body.Levels[0].State)

	w = do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_ControlRequiresToken(t *testing.T) {
	ctrl := &fakeController{mode: types.ModeLong}
	s := NewServer(ctrl, 0, testSecret)

	expired, err := GenerateToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	foreign, err := GenerateToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: tokenIssuer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"expired", "Bearer " + expired},
		{"foreign secret", "Bearer " + foreign},
		{"alg none", "Bearer " + unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/pause", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.False(t, ctrl.paused)
}

func TestServer_ControlDisabledWithoutSecret(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, 0, "")

	w := do(t, s, http.MethodPost, "/api/pause", mustToken(t), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, ctrl.paused)

	_, err := GenerateToken("", "ops", time.Hour)
	assert.Error(t, err)
}

func TestServer_PauseResume(t *testing.T) {
	ctrl := &fakeController{mode: types.ModeLong}
	s := NewServer(ctrl, 0, testSecret)
	tok := mustToken(t)

	w := do(t, s, http.MethodPost, "/api/pause", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"paused":true,"changed":true}`, w.Body.String())
	assert.True(t, ctrl.paused)

	w = do(t, s, http.MethodPost, "/api/resume", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"paused":false,"changed":true}`, w.Body.String())
	assert.Equal(t, []string{"api pause by ops", "api resume by ops"}, ctrl.reasons)

	ctrl.paused, ctrl.halted = true, true
	w = do(t, s, http.MethodPost, "/api/resume", tok, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_SwitchSide(t *testing.T) {
	ctrl := &fakeController{mode: types.ModeLong}
	s := NewServer(ctrl, 0, testSecret)
	tok := mustToken(t)

	w := do(t, s, http.MethodPost, "/api/switch-side", tok, `{"mode":"short"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ModeShort, ctrl.mode)

	w = do(t, s, http.MethodPost, "/api/switch-side", tok, `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/switch-side", tok, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctrl.switchErr = errors.New("cancel failed")
	w = do(t, s, http.MethodPost, "/api/switch-side", tok, `{"mode":"both"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "cancel failed")
	assert.Equal(t, types.ModeShort, ctrl.mode)
}
