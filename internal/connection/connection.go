package connection

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnectionClosed = errors.New("connection closed")

const (
	// 写超时
	writeWait = 10 * time.Second
	// 读超时（pong 续期）
	pongWait = 60 * time.Second
	// ping 周期，必须小于 pongWait
	pingPeriod = 45 * time.Second
	// 最大入站帧大小
	maxMessageSize = 64 * 1024
)

// Conn 一条客户端 WebSocket 连接
// 所有出站写经 writeChan 串行化到写协程，读写互不阻塞
type Conn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	// 关闭帧参数，Close 时在写协程发出
	closeCode   int
	closeReason string
}

// New 包装一条已升级的 WebSocket 连接并启动写协程
func New(ws *websocket.Conn, logger *slog.Logger) *Conn {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Conn{
		ws:          ws,
		logger:      logger,
		writeChan:   make(chan []byte, 256),
		closeChan:   make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		closeReason: "",
	}
	go c.writeLoop()
	return c
}

// Send 投递一帧出站数据
func (c *Conn) Send(data []byte) error {
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

// SendJSON 序列化并投递一帧出站数据
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// ReadMessage 读取一帧入站数据（阻塞）
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close 以默认关闭码（1000）关闭连接
func (c *Conn) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode 发送带关闭码和原因的关闭帧后关闭连接
// 幂等：只有第一次调用的码和原因生效
func (c *Conn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closeChan)
	})
}

// writeLoop 写协程：串行化数据帧、ping 和关闭帧
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeChan:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
			}
		case <-c.closeChan:
			// 先清空待写数据，保证关闭前排队的错误信封能送达
			c.drainPending()
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			c.ws.Close()
			return
		}
	}
}

func (c *Conn) drainPending() {
	for {
		select {
		case data := <-c.writeChan:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
