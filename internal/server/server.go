package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"banken/internal/artifact"
	"banken/internal/config"
	"banken/internal/feed"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ArtifactLister は成果物一覧の取得元
type ArtifactLister interface {
	ListArtifacts(statuses ...artifact.Status) ([]*artifact.Artifact, error)
}

// Deps はサーバーが利用するコンポーネント
type Deps struct {
	Feed      *feed.Feed
	Artifacts ArtifactLister
	Metrics   http.Handler // nil なら /metrics を公開しない

	// CommandTimeout はモード切り替えの応答を待つ上限
	CommandTimeout time.Duration
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = cfg.Camera.PreemptTimeout + cfg.Camera.CloseTimeout + time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/intervals", s.handleIntervals)
		api.GET("/stream", s.handleStream)
		api.GET("/mode/:mode", s.handleMode)
		api.POST("/mode/:mode", s.handleMode)
		api.GET("/stop", s.handleStop)
		api.POST("/stop", s.handleStop)
		api.GET("/artifacts", s.handleArtifacts)
		api.GET("/events", s.handleEvents)
	}

	s.engine.GET("/ws", s.handleWebSocket)

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
}

// Start はサーバーを起動し、ctx が終わるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	return s.Shutdown()
}

// Addr は待ち受け中のアドレスを返す。起動前は設定値を返す
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Info().Msg("HTTPサーバーをシャットダウンしています")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Info().Msg("HTTPサーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストを zerolog へ記録する
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTPリクエスト")
	}
}
