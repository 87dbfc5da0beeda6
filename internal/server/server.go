package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"sudooom.chat.relay/internal/config"
	"sudooom.chat.relay/internal/health"
	"sudooom.chat.relay/internal/relay"
)

// Server 对外 HTTP/WebSocket 服务
// 聊天端口承载 /chat 升级和 /yjs 协同编辑转发，
// 健康检查端口独立，便于编排系统探活。
type Server struct {
	cfg        *config.Config
	relay      *relay.Relay
	checker    *health.Checker
	yjsHandler http.Handler
	logger     *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	healthSrv  *http.Server
}

// New 创建服务
// yjsHandler 可为 nil，此时 /yjs 返回 503
func New(cfg *config.Config, r *relay.Relay, checker *health.Checker, yjsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		relay:      r,
		checker:    checker,
		yjsHandler: yjsHandler,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: 生产环境应该检查 Origin
				return true
			},
		},
	}
}

// Start 启动聊天端口和健康检查端口，非阻塞
func (s *Server) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		s.handleChat(ctx, w, r)
	})
	mux.HandleFunc("/yjs", s.handleYjs)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: mux,
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/health", s.checker)
	healthMux.HandleFunc("/ready", s.handleReady)

	s.healthSrv = &http.Server{
		Addr:    s.cfg.Server.HealthAddr,
		Handler: healthMux,
	}

	go func() {
		s.logger.Info("Chat server listening", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Chat server failed", "error", err)
		}
	}()

	go func() {
		s.logger.Info("Health server listening", "addr", s.cfg.Server.HealthAddr)
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
}

// Shutdown 优雅关闭两个监听端口
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Chat server shutdown failed", "error", err)
		}
	}
	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health server shutdown failed", "error", err)
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Chat relay server is running\n"))
}

// handleChat 升级 WebSocket 并移交中继，阻塞到连接结束
func (s *Server) handleChat(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	token := r.URL.Query().Get("token")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	s.relay.HandleConnection(ctx, ws, roomID, token)
}

// handleYjs 协同编辑流量转发给注入的处理器
func (s *Server) handleYjs(w http.ResponseWriter, r *http.Request) {
	if s.yjsHandler == nil {
		http.Error(w, "collaborative editing is not available", http.StatusServiceUnavailable)
		return
	}
	s.yjsHandler.ServeHTTP(w, r)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker != nil && !s.checker.IsReady(r.Context()) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
