package transport

import "context"

// MessageSink 接收传输层事件的回调对象
// 以对象方式贯穿全部回调，避免进程级单例句柄
type MessageSink interface {
	// OnControlMessage 收到控制通道JSON消息
	OnControlMessage(topic string, payload []byte)
	// OnAudioData 收到内联二进制音频（仅WebSocket传输使用）
	OnAudioData(data []byte)
	// OnConnected 控制通道已连接
	OnConnected()
	// OnDisconnected 控制通道断开
	OnDisconnected(err error)
}

// ControlChannel 控制通道统一接口
type ControlChannel interface {
	// Start 建立连接并订阅入站消息
	Start(ctx context.Context) error
	// Stop 断开连接
	Stop() error
	// Publish 发布一条控制消息
	Publish(payload []byte) error
	// IsConnected 检查连接状态
	IsConnected() bool
	// SetSink 注册事件回调对象
	SetSink(sink MessageSink)
	// GetType 传输类型标识
	GetType() string
}

// AudioSender 支持内联发送音频的控制通道（WebSocket）
type AudioSender interface {
	SendAudio(data []byte) error
}
