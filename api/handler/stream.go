package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

const streamWriteTimeout = 5 * time.Second

// Stream GET /api/v1/provision/:task_id/stream
// 以 websocket 文本帧推送任务的串口输出，任务结束后正常关闭。
func (h *ProvisionHandler) Stream(c *gin.Context) {
	taskID := c.Param("task_id")
	ch, unsubscribe, err := h.svc.Subscribe(taskID)
	if err != nil {
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
		return
	}
	defer unsubscribe()

	ws, err := websocket.Accept(rawWriter(c), c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.WithField("task_id", taskID).Warnf("WebSocket accept failed: %v", err)
		return
	}
	defer ws.CloseNow()

	// 客户端不发送数据；CloseRead 在对端关闭时取消 ctx
	ctx := ws.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			logger.WithField("task_id", taskID).Debug("Stream client went away")
			return
		case text, ok := <-ch:
			if !ok {
				_ = ws.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
			if err := writeText(ctx, ws, text); err != nil {
				logger.WithField("task_id", taskID).Debugf("Stream write failed: %v", err)
				return
			}
		}
	}
}

// rawWriter 取出 gin 包装下的原始 ResponseWriter。
// websocket.Accept 会先写响应头，gin 的 Hijack 在头已写出后会拒绝。
func rawWriter(c *gin.Context) http.ResponseWriter {
	w := http.ResponseWriter(c.Writer)
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = u.Unwrap()
	}
	return w
}

func writeText(parent context.Context, ws *websocket.Conn, text string) error {
	ctx, cancel := context.WithTimeout(parent, streamWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, []byte(text))
}
