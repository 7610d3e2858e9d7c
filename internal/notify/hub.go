package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// Client はハブに接続中のWebSocketクライアント。
type Client struct {
	ID     string
	UserID string
	Role   model.Role

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub はプレゼンスチャネル。接続中のクライアントへイベントを配信する。
// request.created と未確保のままのキャンセルは接続中の全チューターへ、
// それ以外はリクエストの生徒と担当チューターへ送る。
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub は新しいHubを生成する。originsが空でなければブラウザのOriginヘッダーを検証する。
func NewHub(logger *slog.Logger, origins security.OriginAllowlist) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.Empty() || origins.Allows(origin)
			},
		},
	}
}

// Name はPublisherインターフェースを実装する。
func (h *Hub) Name() string { return "websocket" }

// ServeWS はHTTP接続をWebSocketにアップグレードし、認証済みのアクターとして登録する。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor model.Actor) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &Client{
		ID:     uuid.NewString(),
		UserID: actor.ID,
		Role:   actor.Role,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		slog.String("client_id", c.ID),
		slog.String("user_id", c.UserID),
		slog.String("role", string(c.Role)),
		slog.Int("connected", total),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("websocket client disconnected",
			slog.String("client_id", c.ID),
			slog.String("user_id", c.UserID),
			slog.Int("connected", total),
		)
	}
}

// ConnectedCount は接続中のクライアント数を返す。
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish はイベントを宛先のクライアントへ送る。
// 送信バッファが詰まっているクライアントへのメッセージは破棄する。
func (h *Hub) Publish(_ context.Context, ev model.Event) error {
	if ev.Request == nil {
		return nil
	}
	payload, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	broadcastToTutors := ev.Type == model.EventRequestCreated || ev.Request.TutorID == nil

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients {
		if !recipient(c, ev.Request, broadcastToTutors) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("slow websocket clients dropped an event",
			slog.String("event", string(ev.Type)),
			slog.String("request_id", ev.Request.ID),
			slog.Int("dropped", dropped),
		)
	}
	return nil
}

func recipient(c *Client, req *model.InstantRequest, broadcastToTutors bool) bool {
	if c.UserID == req.StudentID || req.IsTutor(c.UserID) {
		return true
	}
	return broadcastToTutors && c.Role == model.RoleTutor
}

// Close は全ての接続を閉じる。サーバー停止時に呼ぶ。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// readPump はクライアントからの受信を読み捨て、切断を検知する。
// クライアントからのメッセージは扱わないが、Pongで生存確認を行う。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error",
					slog.String("client_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// writePump は送信キューの内容とPingを書き込む。1接続につき書き込みはこのgoroutineのみが行う。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
