// Package push 把秒杀事件通过 websocket 推送给订阅了对应商品的客户端。
package push

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"flashsale/internal/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// Hub 维护所有活跃的连接，按商品 ID 分组
type Hub struct {
	nodeID string
	lock   sync.RWMutex
	subs   map[int64]map[*Client]struct{}
}

func NewHub(nodeID string) *Hub {
	return &Hub{nodeID: nodeID, subs: make(map[int64]map[*Client]struct{})}
}

func (h *Hub) register(c *Client) {
	h.lock.Lock()
	defer h.lock.Unlock()
	set, ok := h.subs[c.goodsID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[c.goodsID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.lock.Lock()
	defer h.lock.Unlock()
	set, ok := h.subs[c.goodsID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.subs, c.goodsID)
	}
}

// Broadcast 推送给订阅了 goodsID 的所有客户端，返回送达的连接数。
// 发送缓冲已满的慢客户端被断开，不阻塞其他连接。
func (h *Hub) Broadcast(goodsID int64, payload []byte) int {
	h.lock.RLock()
	var slow []*Client
	delivered := 0
	for c := range h.subs[goodsID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
	return delivered
}

// Subscribers 返回订阅了 goodsID 的连接数
func (h *Hub) Subscribers(goodsID int64) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.subs[goodsID])
}

// ServeWs 处理 /ws?goodsId=1001，把 HTTP 升级为 WebSocket
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	goodsID, err := strconv.ParseInt(r.URL.Query().Get("goodsId"), 10, 64)
	if err != nil || goodsID <= 0 {
		http.Error(w, "goodsId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), goodsID: goodsID}
	h.register(client)
	logger.Ctx(r.Context()).Debug().Int64("goods_id", goodsID).Str("node", h.nodeID).Msg("client subscribed")

	go client.writePump()
	go client.readPump()
}

// Client 是一个WebSocket连接的代表
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	goodsID int64
}

// writePump 负责将 send channel 中的消息写入 websocket，并定时发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理 pong 和关闭，客户端发来的数据被丢弃
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Ctx(context.Background()).Debug().Err(err).Int64("goods_id", c.goodsID).Msg("websocket closed")
			}
			return
		}
	}
}
