package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acprelay/acprelay/internal/common/config"
	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/gitws"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func writeAgentScript(t *testing.T, script string) config.AgentConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return config.AgentConfig{Command: "/bin/sh", Args: []string{path}}
}

// echoAgent answers any request with a result echoing the numeric id.
const echoAgent = `while IFS= read -r line; do
  id=$(printf '%s\n' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"echoed":true}}\n' "$id"
  fi
done
`

type testBroker struct {
	server *Server
	ts     *httptest.Server
	cfg    *config.Config
}

func newTestBroker(t *testing.T, agentCfg config.AgentConfig, mutate func(*config.Config)) *testBroker {
	t.Helper()
	log := newTestLogger(t)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:             8137,
			Path:             "/acp",
			RequestTimeoutMs: 5000,
			SessionIdleTtlMs: 60_000,
		},
		Git: config.GitConfig{Root: t.TempDir()},
	}
	if mutate != nil {
		mutate(cfg)
	}

	agents := &config.AgentServers{
		Agents: map[string]config.AgentConfig{"Echo": agentCfg},
		Order:  []string{"Echo"},
	}
	git := gitws.NewManager(cfg.Git, nil, log)
	rpcLog := logger.NewRPCLog(log, 0, 0)

	server := NewServer(cfg, agents, nil, git, rpcLog, log)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testBroker{server: server, ts: ts, cfg: cfg}
}

func (b *testBroker) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(b.ts.URL, "http") + "/acp"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial connects and consumes the initial connection progress notification.
func (b *testBroker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(b.wsURL(""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	first := readEnvelope(t, ws)
	require.Equal(t, "remote/progress", first["method"])
	params := first["params"].(map[string]any)
	require.Equal(t, "connection", params["stage"])
	require.Equal(t, "Connected", params["message"])
	require.Equal(t, "Echo", params["agent"])
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntilResponse skips notifications until a response with the given id
// arrives.
func readUntilResponse(t *testing.T, ws *websocket.Conn, id float64) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		env := readEnvelope(t, ws)
		if got, ok := env["id"].(float64); ok && got == id {
			return env
		}
	}
	t.Fatal("response never arrived")
	return nil
}

func send(t *testing.T, ws *websocket.Conn, env map[string]any) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestHealth(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), nil)

	resp, err := http.Get(b.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestAgentsEndpoint(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), nil)

	resp, err := http.Get(b.ts.URL + "/acp/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Agents []struct {
			Name    string `json:"name"`
			Command string `json:"command"`
		} `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "Echo", body.Agents[0].Name)
	assert.Equal(t, "/bin/sh", body.Agents[0].Command)
}

func TestAgentsEndpointMissingConfig(t *testing.T) {
	log := newTestLogger(t)
	cfg := &config.Config{Server: config.ServerConfig{Path: "/acp", RequestTimeoutMs: 5000, SessionIdleTtlMs: 60_000}}
	server := NewServer(cfg, nil, config.ErrAgentsFileNotFound,
		gitws.NewManager(cfg.Git, nil, log), logger.NewRPCLog(log, 0, 0), log)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/acp/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ACP config not found", body["error"]["message"])
}

func TestAuthorization(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), func(cfg *config.Config) {
		cfg.Server.Token = "T"
	})

	t.Run("rejected without token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(b.wsURL(""), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query token", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(b.wsURL("token=T"), nil)
		require.NoError(t, err)
		ws.Close()
	})

	t.Run("bearer header", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(b.wsURL(""), http.Header{"Authorization": {"Bearer T"}})
		require.NoError(t, err)
		ws.Close()
	})

	t.Run("verbatim header", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(b.wsURL(""), http.Header{"Authorization": {"T"}})
		require.NoError(t, err)
		ws.Close()
	})

	t.Run("wrong token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(b.wsURL("token=X"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestEchoRoundTrip(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), nil)
	ws := b.dial(t)

	send(t, ws, map[string]any{"jsonrpc": "2.0", "id": 42, "method": "echo"})
	resp := readUntilResponse(t, ws, 42)

	assert.Equal(t, "2.0", resp["jsonrpc"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, true, result["echoed"])
}

func TestRequestTimeout(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, "exec sleep 60\n"), nil)
	ws := b.dial(t)

	start := time.Now()
	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/prompt",
		"params": map[string]any{"timeoutMs": 100},
	})
	resp := readUntilResponse(t, ws, 1)

	errObj := resp["error"].(map[string]any)
	assert.Contains(t, strings.ToLower(errObj["message"].(string)), "timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestInvalidEnvelopes(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), nil)
	ws := b.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := readEnvelope(t, ws)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32600), errObj["code"])
	assert.Nil(t, resp["id"])

	// An object with neither method nor result/error is invalid too.
	send(t, ws, map[string]any{"id": 9, "foo": "bar"})
	resp = readUntilResponse(t, ws, 9)
	errObj = resp["error"].(map[string]any)
	assert.Equal(t, float64(-32600), errObj["code"])
}

// sessionAgent answers session methods with a fixed session id and emits a
// session/update notification when poked.
const sessionAgent = `while IFS= read -r line; do
  case "$line" in
    *'"method":"session/new"'*)
      printf '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"S"}}\n';;
    *'"method":"session/load"'*)
      printf '{"jsonrpc":"2.0","id":1,"result":{}}\n';;
    *'"method":"emit"'*)
      printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"S","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}\n';;
  esac
done
`

func TestSessionNotificationFanOut(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, sessionAgent), nil)

	wsA := b.dial(t)
	send(t, wsA, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{"cwd": ""},
	})
	resp := readUntilResponse(t, wsA, 1)
	require.Equal(t, "S", resp["result"].(map[string]any)["sessionId"])

	wsB := b.dial(t)
	send(t, wsB, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/load",
		"params": map[string]any{"sessionId": "S"},
	})
	readUntilResponse(t, wsB, 1)

	// Poke the agent owning S; both subscribers must see the update.
	send(t, wsA, map[string]any{
		"jsonrpc": "2.0", "method": "emit",
		"params": map[string]any{"sessionId": "S"},
	})

	for name, ws := range map[string]*websocket.Conn{"A": wsA, "B": wsB} {
		env := readEnvelope(t, ws)
		assert.Equal(t, "session/update", env["method"], "subscriber %s", name)
	}
}

func TestSessionLoadErrors(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, echoAgent), nil)
	ws := b.dial(t)

	send(t, ws, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "session/load"})
	resp := readUntilResponse(t, ws, 1)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32602), errObj["code"])

	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "session/load",
		"params": map[string]any{"sessionId": "missing"},
	})
	resp = readUntilResponse(t, ws, 2)
	errObj = resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Equal(t, "Session not found", errObj["message"])
}

func TestPromptStopReasonNormalization(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		expect string
	}{
		{
			name:   "missing stopReason forced to end_turn",
			reply:  `{"jsonrpc":"2.0","id":1,"result":{}}`,
			expect: "end_turn",
		},
		{
			name:   "null result coerced to end_turn",
			reply:  `{"jsonrpc":"2.0","id":1,"result":null}`,
			expect: "end_turn",
		},
		{
			name:   "unknown stopReason forced to end_turn",
			reply:  `{"jsonrpc":"2.0","id":1,"result":{"stopReason":"bogus"}}`,
			expect: "end_turn",
		},
		{
			name:   "string result wrapped",
			reply:  `{"jsonrpc":"2.0","id":1,"result":"cancelled"}`,
			expect: "cancelled",
		},
		{
			name:   "valid stopReason preserved",
			reply:  `{"jsonrpc":"2.0","id":1,"result":{"stopReason":"refusal"}}`,
			expect: "refusal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := "while IFS= read -r line; do\n  printf '%s\\n' '" + tt.reply + "'\ndone\n"
			b := newTestBroker(t, writeAgentScript(t, script), nil)
			ws := b.dial(t)

			send(t, ws, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "session/prompt"})
			resp := readUntilResponse(t, ws, 1)
			result := resp["result"].(map[string]any)
			assert.Equal(t, tt.expect, result["stopReason"])
		})
	}
}

func TestPromptMetaMustBeObject(t *testing.T) {
	script := "while IFS= read -r line; do\n" +
		"  printf '{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"stopReason\":\"end_turn\",\"_meta\":\"junk\"}}\\n'\ndone\n"
	b := newTestBroker(t, writeAgentScript(t, script), nil)
	ws := b.dial(t)

	send(t, ws, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "session/prompt"})
	resp := readUntilResponse(t, ws, 1)
	result := resp["result"].(map[string]any)
	meta, present := result["_meta"]
	require.True(t, present)
	assert.Nil(t, meta)
}

func TestDisconnectDetachesSubscribers(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, sessionAgent), nil)

	ws := b.dial(t)
	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{"cwd": ""},
	})
	readUntilResponse(t, ws, 1)
	require.Len(t, b.server.Registry().GetSubscribers("S"), 1)

	ws.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.server.Registry().GetSubscribers("S")) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscriber not detached after disconnect")
}
