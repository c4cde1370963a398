package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"banken/internal/artifact"
	"banken/internal/camera"
	"banken/internal/capture"
	"banken/internal/feed"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactResponse は成果物一覧の1件
type ArtifactResponse struct {
	*artifact.Artifact
	SizeHuman string `json:"size_human"`
	Age       string `json:"age"`
}

// wsRefresh は変更がなくてもスナップショットを送り直す間隔
// 経過秒と stale 表示を進めるために使う
const wsRefresh = 5 * time.Second

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: code, Message: message, Timestamp: time.Now()})
}

// handleRoot はダッシュボードのHTMLを返す
func (s *Server) handleRoot(c *gin.Context) {
	html, err := getIndexHTML()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はダッシュボード用の状態を返す
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Feed.Snapshot())
}

// handleIntervals はモーション間隔の列を返す
func (s *Server) handleIntervals(c *gin.Context) {
	snap := s.deps.Feed.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"intervals": snap.Intervals,
		"count":     len(snap.Intervals),
		"stale":     snap.Stale,
	})
}

// handleMode はモード切り替えを依頼する
func (s *Server) handleMode(c *gin.Context) {
	mode, err := camera.ParseMode(c.Param("mode"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_mode", "モードは record または stream を指定してください")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.CommandTimeout)
	defer cancel()

	if err := s.deps.Feed.RequestMode(ctx, mode); err != nil {
		status, code := commandErrorStatus(err)
		log.Warn().Err(err).Str("mode", string(mode)).Msg("モード切り替えに失敗しました")
		errorJSON(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "timestamp": time.Now()})
}

// handleStop は停止を依頼する。実際の停止は非同期に進む
func (s *Server) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.CommandTimeout)
	defer cancel()

	if err := s.deps.Feed.RequestStop(ctx); err != nil {
		status, code := commandErrorStatus(err)
		errorJSON(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "timestamp": time.Now()})
}

func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, feed.ErrClosed), errors.Is(err, camera.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, camera.ErrDeviceFatal):
		return http.StatusServiceUnavailable, "camera_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// handleArtifacts は成果物一覧を返す
// ?status=PENDING のように状態で絞り込める
func (s *Server) handleArtifacts(c *gin.Context) {
	if s.deps.Artifacts == nil {
		c.JSON(http.StatusOK, gin.H{"artifacts": []ArtifactResponse{}})
		return
	}

	var statuses []artifact.Status
	if q := c.Query("status"); q != "" {
		st, err := artifact.ParseStatus(q)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		statuses = append(statuses, st)
	}

	list, err := s.deps.Artifacts.ListArtifacts(statuses...)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	out := make([]ArtifactResponse, 0, len(list))
	for _, a := range list {
		out = append(out, ArtifactResponse{
			Artifact:  a,
			SizeHuman: humanize.Bytes(uint64(a.Size)),
			Age:       humanize.Time(a.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": out})
}

// handleStream はMJPEGストリームを配信する
// 配信モードでなければ 409、モードが変わったら配信を終える
func (s *Server) handleStream(c *gin.Context) {
	f := s.deps.Feed
	if snap := f.Snapshot(); snap.Mode != camera.ModeStream {
		errorJSON(c, http.StatusConflict, "not_streaming", "配信モードではありません")
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go cancelOnModeChange(ctx, cancel, f)

	var seq uint64
	for {
		frame, next, err := f.Frames().Next(ctx, seq)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, capture.ErrSlotClosed) {
				log.Debug().Err(err).Msg("ストリーミングを終了します")
			}
			return
		}
		seq = next

		if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := writer.Write(frame); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// cancelOnModeChange は配信モードを抜けたら cancel を呼ぶ
func cancelOnModeChange(ctx context.Context, cancel context.CancelFunc, f *feed.Feed) {
	version := f.Version()
	for {
		snap, err := f.Wait(ctx, version)
		if err != nil {
			cancel()
			return
		}
		if snap.Mode != camera.ModeStream {
			cancel()
			return
		}
		version = snap.Version
	}
}

// handleEvents は Server-Sent Events でスナップショットを送る
func (s *Server) handleEvents(c *gin.Context) {
	f := s.deps.Feed
	ctx := c.Request.Context()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	snap := f.Snapshot()
	c.SSEvent("status", snap)
	c.Writer.Flush()

	ticker := time.NewTicker(wsRefresh)
	defer ticker.Stop()

	version := snap.Version
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.Done():
			return
		case <-f.Changed(version):
		case <-ticker.C:
		}
		snap = f.Snapshot()
		version = snap.Version
		c.SSEvent("status", snap)
		c.Writer.Flush()
	}
}

// handleWebSocket は WebSocket でスナップショットをプッシュする
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocketへのアップグレードに失敗しました")
		return
	}
	defer conn.Close()

	log.Debug().Str("remote", c.Request.RemoteAddr).Msg("WebSocket接続を確立しました")

	// 読み取りはクライアントの切断検知にだけ使う
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	f := s.deps.Feed
	ticker := time.NewTicker(wsRefresh)
	defer ticker.Stop()

	var version uint64
	for {
		snap := f.Snapshot()
		version = snap.Version
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Debug().Err(err).Msg("WebSocketへの書き込みに失敗しました")
			return
		}

		select {
		case <-gone:
			return
		case <-f.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
			return
		case <-f.Changed(version):
		case <-ticker.C:
		}
	}
}
