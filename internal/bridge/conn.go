package bridge

import (
	"sync"
	"time"

	"computeruse/internal/monitor"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	controlQueueSize = 32
	intentQueueSize  = 16
)

// Conn 是一条客户端 websocket 连接。
// 只有 writePump 写 socket；截屏槽容量为 1，新帧覆盖未发送的旧帧。
type Conn struct {
	ID       string
	OpenedAt time.Time

	ws      *websocket.Conn
	cfg     Config
	frames  chan []byte
	control chan []byte
	intents chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		ID:         uuid.NewString(),
		OpenedAt:   time.Now(),
		ws:         ws,
		cfg:        cfg,
		frames:     make(chan []byte, 1),
		control:    make(chan []byte, controlQueueSize),
		intents:    make(chan []byte, intentQueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// offerFrame 投递一帧，返回是否覆盖了尚未发送的旧帧
func (c *Conn) offerFrame(msg []byte) (dropped bool) {
	select {
	case c.frames <- msg:
		return false
	default:
	}
	select {
	case <-c.frames:
		dropped = true
		monitor.BridgeFramesDropped.Inc()
	default:
	}
	select {
	case c.frames <- msg:
	default:
		// 另一个生产者抢先填满了槽位，同样是最新帧
	}
	return dropped
}

// sendControl 投递控制消息。队列满说明客户端长时间不读，关闭连接。
func (c *Conn) sendControl(msg []byte) {
	select {
	case c.control <- msg:
	case <-c.closing:
	default:
		c.Close(websocket.CloseTryAgainLater, "slow_consumer")
	}
}

// Close 请求关闭连接，由 writePump 发出关闭帧，不阻塞
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		// 控制消息优先于截屏
		select {
		case msg := <-c.control:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.closing:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		case msg := <-c.control:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case msg := <-c.frames:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
			monitor.BridgeFramesSent.Inc()
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.Close(websocket.CloseAbnormalClosure, "write_failed")
		return false
	}
	return true
}

// readPump 持续读取消息并交给 intentWorker，读协程本身不执行动作，
// 长时间的 goal 解析期间仍能处理 pong 并刷新读超时
func (c *Conn) readPump(handle func(c *Conn, data []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	go c.intentWorker(handle)

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		select {
		case c.intents <- message:
		case <-c.closing:
			return nil
		default:
			// 积压过多说明客户端发送速度远超执行速度
			c.Close(websocket.CloseTryAgainLater, "intent_backlog")
			return nil
		}
	}
}

// intentWorker 按到达顺序逐条处理同一连接的 intent
func (c *Conn) intentWorker(handle func(c *Conn, data []byte)) {
	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.intents:
			handle(c, msg)
		}
	}
}
