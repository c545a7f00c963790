// Package broker is the WebSocket dispatcher and HTTP admin surface. Each
// connection gets a dedicated agent runtime; inbound JSON-RPC envelopes are
// routed to runtimes and responses and notifications flow back, with git
// workspace handling woven into the session methods.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/common/config"
	"github.com/acprelay/acprelay/internal/common/httpmw"
	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/gitws"
	"github.com/acprelay/acprelay/internal/session"
)

// Server hosts the WebSocket endpoint and the admin routes on one port.
type Server struct {
	cfg       *config.Config
	agents    *config.AgentServers
	agentsErr error
	registry  *session.Registry
	git       *gitws.Manager
	rpcLog    *logger.RPCLog
	logger    *logger.Logger
	router    *gin.Engine
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	mu          sync.Mutex
	conns       map[*Conn]struct{}
	runtimeSubs map[string]map[*Conn]struct{}
	connSeq     atomic.Int64
}

// NewServer wires the broker together. agentsErr carries the agent-file load
// failure, if any; the WebSocket endpoint and /acp/agents report it instead
// of serving.
func NewServer(cfg *config.Config, agents *config.AgentServers, agentsErr error, git *gitws.Manager, rpcLog *logger.RPCLog, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		agents:    agents,
		agentsErr: agentsErr,
		git:       git,
		rpcLog:    rpcLog,
		logger:    log.WithFields(zap.String("component", "broker")),
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // browser clients connect from arbitrary origins
			},
		},
		conns:       make(map[*Conn]struct{}),
		runtimeSubs: make(map[string]map[*Conn]struct{}),
	}
	s.registry = session.NewRegistry(cfg.Server.SessionIdleTTL(), s.onSessionExpired, log)

	s.router.Use(httpmw.RequestLogger(s.logger, "acprelay"))
	s.router.Use(httpmw.OtelTracing("acprelay"))
	s.router.Use(corsMiddleware())

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Registry exposes the session registry, for tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/acp/agents", s.handleAgents)

	wsPath := s.cfg.Server.NormalizedPath()
	s.router.GET(wsPath, s.handleWS)
	// Clients may keep a trailing slash on the configured path.
	if wsPath != "/" {
		s.router.GET(wsPath+"/", s.handleWS)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAgents(c *gin.Context) {
	if s.agents == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": config.ErrAgentsFileNotFound.Error()}})
		return
	}

	type agentInfo struct {
		Name    string         `json:"name"`
		Command string         `json:"command"`
		Args    []string       `json:"args,omitempty"`
		Env     map[string]any `json:"env,omitempty"`
	}
	list := make([]agentInfo, 0, len(s.agents.Order))
	for _, name := range s.agents.Order {
		cfg := s.agents.Agents[name]
		list = append(list, agentInfo{Name: name, Command: cfg.Command, Args: cfg.Args, Env: cfg.Env})
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

func (s *Server) handleWS(c *gin.Context) {
	if !s.authorized(c.Request) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if s.agents == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": config.ErrAgentsFileNotFound.Error()}})
		return
	}

	name, agentCfg, err := s.agents.Resolve(c.Query("agent"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := s.newConn(ws, name, agentCfg)
	go conn.run()
}

// authorized applies the token predicate: the Authorization header verbatim,
// the Bearer form, or a token query parameter. An empty configured token
// disables auth.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Server.Token
	if token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); h == token || h == "Bearer "+token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, s.cfg.Server.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	s.logger.Info("broker listening",
		zap.String("addr", addr),
		zap.String("url", s.cfg.Server.AdvertiseURL()))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener, closes every connection and stops all
// runtimes.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	s.registry.Close()
	for _, rec := range s.registry.All() {
		if rec.Git != nil {
			s.git.CleanupWorkspace(ctx, rec.Git)
		}
		if rec.Runtime != nil {
			rec.Runtime.Stop()
		}
	}
	s.rpcLog.Flush()
	return err
}

// onSessionExpired tears down an idle session's workspace and, when it was
// the runtime's last session, the runtime itself.
func (s *Server) onSessionExpired(rec *session.Record, runtimeOrphaned bool) {
	if rec.Git != nil {
		s.git.CleanupWorkspace(context.Background(), rec.Git)
	}
	if runtimeOrphaned && rec.Runtime != nil {
		rec.Runtime.Stop()
	}
}

func (s *Server) addConn(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
	subs, ok := s.runtimeSubs[conn.rt.ID()]
	if !ok {
		subs = make(map[*Conn]struct{})
		s.runtimeSubs[conn.rt.ID()] = subs
	}
	subs[conn] = struct{}{}
}

func (s *Server) removeConn(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	for runtimeID, subs := range s.runtimeSubs {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(s.runtimeSubs, runtimeID)
		}
	}
}

// runtimeSubscribers snapshots the connections subscribed to a runtime's
// pre-session traffic.
func (s *Server) runtimeSubscribers(runtimeID string) []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.runtimeSubs[runtimeID]
	out := make([]*Conn, 0, len(subs))
	for conn := range subs {
		out = append(out, conn)
	}
	return out
}
