package broker

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/common/config"
	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/runtime"
	"github.com/acprelay/acprelay/pkg/jsonrpc"
)

// Conn is one client WebSocket. Its message stream is processed
// sequentially: a single loop reads envelopes and dispatches them one at a
// time, so per-connection request ordering is preserved end-to-end.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	label  string
	agent  string
	rt     *runtime.Runtime
	logger *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	// Touched only by the dispatch loop; responses are labelled with the
	// method of the request they answer.
	requestMethodByID map[string]string
}

func (s *Server) newConn(ws *websocket.Conn, agentName string, agentCfg config.AgentConfig) *Conn {
	label := fmt.Sprintf("conn-%d", s.connSeq.Add(1))
	rt := runtime.New(runtime.Config{
		Command: agentCfg.Command,
		Args:    agentCfg.Args,
		Env:     agentCfg.Env,
	}, s.logger)

	conn := &Conn{
		server:            s,
		ws:                ws,
		label:             label,
		agent:             agentName,
		rt:                rt,
		logger:            s.logger.WithFields(zap.String("conn", label), zap.String("agent", agentName)),
		requestMethodByID: make(map[string]string),
	}
	rt.OnNotification(conn.onAgentNotification)
	s.addConn(conn)
	return conn
}

// run owns the connection from after the upgrade to teardown.
func (c *Conn) run() {
	defer c.teardown()

	if err := c.rt.Start(); err != nil {
		c.logger.Error("agent spawn failed", zap.Error(err))
		c.closeWith(websocket.CloseInternalServerErr, "agent spawn failed")
		return
	}

	c.notifyProgress("connection", "Connected", map[string]any{"agent": c.agent})
	c.logger.Info("client connected")

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		envelopes, err := jsonrpc.Decode(data)
		if err != nil {
			c.sendEnvelope(jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "Invalid request"))
			continue
		}
		for _, env := range envelopes {
			c.server.rpcLog.Message(c.label, "in", jsonrpc.Method(env), env)
			c.dispatch(env)
		}
	}
}

// teardown detaches the connection from sessions and subscriber sets and
// stops the runtime when no session still needs it.
func (c *Conn) teardown() {
	c.close()
	c.server.registry.Detach(c)
	c.server.removeConn(c)
	c.server.rpcLog.FlushLabel(c.label)

	if !c.server.registry.HasSessionsForRuntime(c.rt.ID()) {
		c.rt.Stop()
	}
	c.logger.Info("client disconnected")
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

func (c *Conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	c.close()
}

// SendEnvelope writes one envelope to the client. Safe for concurrent use;
// notification fan-out and the dispatch loop share the socket.
func (c *Conn) SendEnvelope(payload map[string]any) error {
	return c.sendEnvelope(payload)
}

// Label identifies the connection in logs.
func (c *Conn) Label() string {
	return c.label
}

func (c *Conn) sendEnvelope(payload map[string]any) error {
	data, err := jsonrpc.Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	c.server.rpcLog.Message(c.label, "out", jsonrpc.Method(payload), payload)
	return nil
}

// notifyProgress emits an out-of-band remote/progress notification to this
// client.
func (c *Conn) notifyProgress(stage, message string, extra map[string]any) {
	params := map[string]any{"stage": stage, "message": message}
	for k, v := range extra {
		params[k] = v
	}
	_ = c.sendEnvelope(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  "remote/progress",
		"params":  params,
	})
}

// onAgentNotification fans an agent notification out to the session's
// subscribers, falling back to every connection on this runtime for
// pre-session traffic.
func (c *Conn) onAgentNotification(payload map[string]any) {
	params := jsonrpc.Params(payload)
	if sid := jsonrpc.SessionID(params); sid != "" {
		if subs := c.server.registry.GetSubscribers(sid); len(subs) > 0 {
			c.server.registry.Touch(sid)
			for _, sub := range subs {
				if err := sub.SendEnvelope(payload); err != nil {
					c.logger.Debug("notification delivery failed",
						zap.String("subscriber", sub.Label()),
						zap.Error(err))
				}
			}
			return
		}
	}
	for _, conn := range c.server.runtimeSubscribers(c.rt.ID()) {
		_ = conn.SendEnvelope(payload)
	}
}
