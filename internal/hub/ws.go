package hub

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tkoeda/comment-categorizer/internal/jobs"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// StreamHandler は GET /api/ws/jobs/:id のハンドラーを返します。
// ownerFrom はリクエストコンテキストから認証済みユーザーIDを取り出します。
// origins は許可する WebSocket オリジンの集合です（空なら gorilla の
// デフォルトどおり同一オリジンのみ許可）。
func StreamHandler(h *Hub, ownerFrom func(*gin.Context) string, origins map[string]bool) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(origins) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return origins[r.Header.Get("Origin")]
		}
	}

	return func(c *gin.Context) {
		jobID := c.Param("id")
		ownerID := ownerFrom(c)

		// 認可エラーを正しいHTTPステータスで返すため、アップグレード前に購読する。
		sub, err := h.Subscribe(c.Request.Context(), jobID, ownerID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			return
		}

		go readUntilClosed(conn, sub)
		writeSnapshots(conn, sub)
	}
}

// readUntilClosed は相手の切断を検知するためだけに受信フレームを読み捨てます。
// クライアントからの送信は想定していません。
func readUntilClosed(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeSnapshots は購読が終わるまでスナップショットを接続へ送り続け、
// 終了後にソケットを閉じます。
func writeSnapshots(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
