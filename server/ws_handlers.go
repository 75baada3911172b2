package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// taskWS 推送任务快照，任务有变化时发送一次，进入终止状态后关闭连接
func (s *Server) taskWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if _, err := s.Registry.Get(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// 客户端断开时 ReadMessage 返回错误
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	var last time.Time
	for {
		task, err := s.Registry.Get(r.Context(), id)
		if err != nil {
			s.logger.Printf("websocket %s: %v", id, err)
			return
		}
		if !task.UpdatedAt.Equal(last) {
			last = task.UpdatedAt
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(task); err != nil {
				return
			}
		}
		if task.Status.IsTerminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(task.Status))
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
