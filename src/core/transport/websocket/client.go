package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/settings"
	"angrymiao-iot-client/src/core/transport"
	"angrymiao-iot-client/src/core/utils"

	"github.com/gorilla/websocket"
)

// WSClient 控制通道WebSocket客户端实现
// 与MQTT+UDP模式不同，WebSocket模式下音频数据以二进制帧内联传输
type WSClient struct {
	cfg    *configs.Config
	logger *utils.Logger

	url      string
	token    string
	deviceID string
	clientID string

	mu      sync.Mutex
	sink    transport.MessageSink
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWSClient 创建WebSocket控制通道客户端
// ns 为激活服务写入的websocket设置命名空间，可为nil
func NewWSClient(cfg *configs.Config, ns *settings.Namespace, deviceID, clientID string, logger *utils.Logger) *WSClient {
	wc := cfg.Transport.WebSocket
	return &WSClient{
		cfg:      cfg,
		logger:   logger,
		url:      ns.GetString("url", wc.URL),
		token:    ns.GetString("token", wc.Token),
		deviceID: deviceID,
		clientID: clientID,
	}
}

func (c *WSClient) GetType() string { return "websocket" }

// SetSink 注册事件回调对象
func (c *WSClient) SetSink(sink transport.MessageSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *WSClient) getSink() transport.MessageSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// Start 建立WebSocket连接并启动读协程
func (c *WSClient) Start(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("WebSocket地址未配置")
	}

	headers := http.Header{}
	headers.Set("Protocol-Version", strconv.Itoa(c.cfg.Transport.WebSocket.ProtocolVersion))
	headers.Set("Device-Id", c.deviceID)
	headers.Set("Client-Id", c.clientID)
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %v", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.closed.Store(false)

	go c.readLoop(conn)
	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	c.logger.Info("WebSocket控制通道已连接: %s", c.url)
	if sink := c.getSink(); sink != nil {
		sink.OnConnected()
	}
	return nil
}

// readLoop 单读协程：文本帧走控制消息，二进制帧走音频
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("WebSocket读取失败: %v", err)
			}
			if sink := c.getSink(); sink != nil {
				sink.OnDisconnected(err)
			}
			return
		}

		sink := c.getSink()
		if sink == nil {
			continue
		}
		switch messageType {
		case websocket.TextMessage:
			sink.OnControlMessage("", data)
		case websocket.BinaryMessage:
			sink.OnAudioData(data)
		}
	}
}

// Stop 关闭WebSocket连接
func (c *WSClient) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.logger.Info("WebSocket控制通道已停止")
	return nil
}

// IsConnected 检查连接状态
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed.Load()
}

// Publish 以文本帧发布一条控制消息
func (c *WSClient) Publish(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// SendAudio 以二进制帧内联发送音频数据
func (c *WSClient) SendAudio(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *WSClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.closed.Load() {
		return fmt.Errorf("WebSocket未连接")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("WebSocket发送失败: %v", err)
	}
	return nil
}
