package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pynqmanager/pynqmanager/api/handler"
	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/database"
	"github.com/pynqmanager/pynqmanager/internal/model"
	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/simulate"
)

type testEnv struct {
	engine *httptest.Server
	svc    *service.ProvisionService
	board  *simulate.Board
}

func newTestEnv(t *testing.T, boardCfg simulate.BoardConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Serial.OpenSettle = 0
	cfg.Serial.ReadTimeout = 10 * time.Millisecond
	cfg.Login.Timeout = 3 * time.Second
	cfg.Pacing.ScriptSettle = 200 * time.Millisecond
	cfg.Pacing.PasswordSettle = 150 * time.Millisecond
	cfg.Pacing.RestartSettle = 200 * time.Millisecond
	cfg.Pacing.QuerySettle = 200 * time.Millisecond
	cfg.Remote.Enabled = false
	cfg.Storage.Local.BaseDir = dir

	conn, err := database.Open(config.SQLiteConfig{Path: filepath.Join(dir, "pynq.db"), ConnMaxLifetime: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	board := simulate.NewBoard(boardCfg)
	svc := service.NewProvisionService(cfg, database.NewTaskStore(conn), service.WithOpener(board.Opener()))
	t.Cleanup(func() { _ = svc.Stop() })

	r := SetupRouter(cfg, svc, handler.Options{
		ListPorts: func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, nil },
		DBHealth:  func() error { return nil },
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{engine: srv, svc: svc, board: board}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(bs)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.engine.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthAndPorts(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = env.do(t, http.MethodGet, "/api/v1/ports", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Ports []handler.PortInfo `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Ports, 2)
	assert.False(t, out.Ports[0].Busy)
}

func TestRenderPreview(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/render", map[string]string{"mode": "dhcp"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Interfaces string   `json:"interfaces"`
		Script     string   `json:"script"`
		Commands   []string `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\n", out.Interfaces)
	assert.Equal(t, "sudo bash -c 'cat > /etc/network/interfaces <<EOF\n"+out.Interfaces+"EOF'", out.Script)
	assert.Equal(t, "ip -4 addr show eth0", out.Commands[1])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/render", map[string]string{"mode": "static"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvisionLifecycle(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{Address: "10.0.0.42/24"})

	resp, body := env.do(t, http.MethodPost, "/api/v1/provision", map[string]interface{}{"port": "/dev/ttyUSB0"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var task model.ProvisionTask
	require.NoError(t, json.Unmarshal(body, &task))
	require.NotEmpty(t, task.ID)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/provision", map[string]interface{}{"port": "/dev/ttyUSB0"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := env.svc.Wait(ctx, task.ID)
	require.NoError(t, err)

	resp, body = env.do(t, http.MethodGet, "/api/v1/provision/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, model.TaskStatusSuccess, task.Status, task.ErrorMsg)
	assert.Equal(t, "10.0.0.42", task.IPAddress)

	resp, body = env.do(t, http.MethodGet, "/api/v1/provision/"+task.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "[+] IP detected: 10.0.0.42")

	resp, _ = env.do(t, http.MethodPost, "/api/v1/provision/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProvisionErrors(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{})

	resp, _ := env.do(t, http.MethodPost, "/api/v1/provision", map[string]interface{}{"port": "/dev/ttyUSB0", "baud": 1234})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/provision/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProvisionStream(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/provision", map[string]interface{}{"port": "/dev/ttyUSB0"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var task model.ProvisionTask
	require.NoError(t, json.Unmarshal(body, &task))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.engine.URL, "http") + "/api/v1/provision/" + task.ID + "/stream"
	conn, wsResp, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	assert.Equal(t, http.StatusSwitchingProtocols, wsResp.StatusCode)

	var sb strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			require.True(t, errors.As(err, &ce), "unexpected error: %v", err)
			assert.Equal(t, websocket.StatusNormalClosure, ce.Code)
			break
		}
		sb.Write(data)
	}
	assert.Contains(t, sb.String(), "[+] Task success")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, simulate.BoardConfig{})
	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pynq_serial_active_sessions")
}
