package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"intraday-trend-trader/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub 把每份新快照推送给所有 /ws 客户端
type Hub struct {
	snapshots SnapshotSource
	logger    *zap.Logger

	lock    sync.Mutex // 保护 clients，同时串行化写入
	clients map[*websocket.Conn]struct{}
}

func NewHub(snapshots SnapshotSource, logger *zap.Logger) *Hub {
	return &Hub{
		snapshots: snapshots,
		logger:    logger,
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Run 订阅快照并广播，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	updates, cancel := h.snapshots.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			h.Broadcast(snap)
		}
	}
}

// Broadcast 写入失败的客户端会被关闭并移除
func (h *Hub) Broadcast(snap *telemetry.Snapshot) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn := range h.clients {
		if err := h.write(conn, snap); err != nil {
			h.logger.Debug("Dropping websocket client", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, snap *telemetry.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}

// ServeWS handles GET /ws，连接后先推送当前快照
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WS upgrade error", zap.Error(err))
		return
	}

	h.lock.Lock()
	h.clients[conn] = struct{}{}
	if snap := h.snapshots.Latest(); snap != nil {
		if err := h.write(conn, snap); err != nil {
			delete(h.clients, conn)
			h.lock.Unlock()
			conn.Close()
			return
		}
	}
	h.lock.Unlock()

	go h.readLoop(conn)
}

// readLoop 丢弃客户端消息，读取失败即视为断开
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

// CloseAll 关闭全部连接 (服务关闭时)
func (h *Hub) CloseAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}
