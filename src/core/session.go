package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/transport"
	"angrymiao-iot-client/src/core/transport/udp"
	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"
)

// 协议版本（MQTT+UDP模式）
const protocolVersion = 3

// 等待服务器hello应答的上限
var helloTimeout = 10 * time.Second

// EventListener 会话事件回调，由嵌入方实现
type EventListener interface {
	// OnChatStateChanged 设备状态变更
	OnChatStateChanged(state types.DeviceState)
	// OnChatText 对话文本，role为"user"或"assistant"
	OnChatText(role, text string)
	// OnChatEmoji 服务器下发的表情标识，解释权归嵌入方
	OnChatEmoji(emotion string)
	// OnAudioChannelOpened 音频通道已打开
	OnAudioChannelOpened()
	// OnAudioChannelClosed 音频通道已关闭
	OnAudioChannelClosed()
	// OnServerGoodbye 服务器结束会话
	OnServerGoodbye()
	// OnIncomingAudio 收到解密后的音频帧
	OnIncomingAudio(data []byte)
}

// Session 会话状态机：设备状态、握手流程与控制消息分发的唯一归属
type Session struct {
	cfg      *configs.Config
	logger   *utils.Logger
	control  transport.ControlChannel
	audio    *udp.AudioChannel
	listener EventListener

	// 收到system reboot指令时调用；默认直接退出进程，由宿主的进程管理器拉起
	restartHook func()

	mu            sync.Mutex
	deviceState   types.DeviceState
	listeningMode types.ListeningMode
	sessionID     string
	connected     bool
	wsAudioOpen   bool // WebSocket模式下音频走内联二进制帧

	// hello握手一次性会合
	helloMu     sync.Mutex
	helloCh     chan struct{}
	serverHello *types.ServerHelloMessage

	serverSampleRate    int
	serverFrameDuration int

	handlers map[string]func(msg map[string]interface{}) error
}

// NewSession 创建会话并注册为控制通道的消息接收方
func NewSession(cfg *configs.Config, control transport.ControlChannel, logger *utils.Logger, listener EventListener) *Session {
	s := &Session{
		cfg:           cfg,
		logger:        logger,
		control:       control,
		listener:      listener,
		deviceState:   types.StateIdle,
		listeningMode: types.ListeningModeUnknown,
		restartHook: func() {
			os.Exit(0)
		},
	}
	s.audio = udp.NewAudioChannel(logger)
	s.audio.SetAudioCallback(func(data []byte) {
		if s.listener != nil {
			s.listener.OnIncomingAudio(data)
		}
	})

	s.handlers = map[string]func(msg map[string]interface{}) error{
		"hello":   s.handleHelloMessage,
		"goodbye": s.handleGoodbyeMessage,
		"mcp":     s.handleMCPMessage,
		"tts":     s.handleTTSMessage,
		"stt":     s.handleSTTMessage,
		"llm":     s.handleLLMMessage,
		"system":  s.handleSystemMessage,
	}

	control.SetSink(s)
	return s
}

// SetRestartHook 覆盖reboot指令的执行方式
func (s *Session) SetRestartHook(fn func()) {
	s.restartHook = fn
}

// Start 启动控制通道
func (s *Session) Start(ctx context.Context) error {
	return s.control.Start(ctx)
}

// Stop 关闭音频通道与控制通道
func (s *Session) Stop() {
	_ = s.CloseAudioChannel()
	_ = s.control.Stop()
}

// DeviceState 当前设备状态
func (s *Session) DeviceState() types.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState
}

// ListeningMode 当前拾音模式
func (s *Session) ListeningMode() types.ListeningMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeningMode
}

// SessionID 当前会话ID，未握手时为空
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// IsControlConnected 控制通道连接状态
func (s *Session) IsControlConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AudioChannel 底层音频通道
func (s *Session) AudioChannel() *udp.AudioChannel {
	return s.audio
}

// setDeviceState 设置设备状态；重复设置为无害的空操作
func (s *Session) setDeviceState(state types.DeviceState) {
	s.mu.Lock()
	if s.deviceState == state {
		s.mu.Unlock()
		s.logger.Debug("设备状态未变化: %s", state)
		return
	}
	s.deviceState = state
	s.mu.Unlock()

	s.logger.Info("设备状态变更: %s", state)
	if s.listener != nil {
		s.listener.OnChatStateChanged(state)
	}
}

// OpenAudioChannel 执行hello握手并打开媒体通道
// explicitHello为nil时按配置构造默认hello消息
func (s *Session) OpenAudioChannel(explicitHello *types.ClientHelloMessage) error {
	hello := explicitHello
	if hello == nil {
		hello = s.defaultHello()
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("序列化hello消息失败: %v", err)
	}

	// 清除陈旧会话ID与旧的握手信号，避免误用上次的应答
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	s.helloMu.Lock()
	s.serverHello = nil
	ch := make(chan struct{})
	s.helloCh = ch
	s.helloMu.Unlock()

	if err := s.control.Publish(payload); err != nil {
		return fmt.Errorf("发布hello消息失败: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(helloTimeout):
		return fmt.Errorf("等待服务器hello应答超时: %w", types.ErrTimeout)
	}

	s.helloMu.Lock()
	sh := s.serverHello
	s.helloMu.Unlock()
	if sh == nil {
		return fmt.Errorf("未收到有效的hello应答: %w", types.ErrInvalidArgument)
	}

	if sh.Transport == "websocket" {
		s.mu.Lock()
		s.wsAudioOpen = true
		s.mu.Unlock()
	} else {
		if sh.UDP == nil {
			return fmt.Errorf("hello应答缺少udp配置: %w", types.ErrInvalidArgument)
		}
		if err := s.audio.Open(sh.UDP.Server, sh.UDP.Port); err != nil {
			return err
		}
	}

	s.logger.Info("音频通道已打开: transport=%s, session_id=%s", sh.Transport, sh.SessionID)
	if s.listener != nil {
		s.listener.OnAudioChannelOpened()
	}
	return nil
}

func (s *Session) defaultHello() *types.ClientHelloMessage {
	transportType := "udp"
	version := protocolVersion
	if s.control.GetType() == "websocket" {
		transportType = "websocket"
		version = s.cfg.Transport.WebSocket.ProtocolVersion
	}
	return &types.ClientHelloMessage{
		Type:      "hello",
		Version:   version,
		Transport: transportType,
		Features:  types.HelloFeatures{MCP: false, AEC: true},
		AudioParams: types.AudioParams{
			Format:        s.cfg.Audio.Format,
			SampleRate:    s.cfg.Audio.SampleRate,
			Channels:      s.cfg.Audio.Channels,
			FrameDuration: s.cfg.Audio.FrameDuration,
		},
	}
}

// CloseAudioChannel 关闭媒体通道；无论是否有东西可关都发出关闭事件，可重复调用
func (s *Session) CloseAudioChannel() error {
	if err := s.audio.Close(); err != nil {
		s.logger.Warn("关闭音频通道失败: %v", err)
	}

	s.mu.Lock()
	s.wsAudioOpen = false
	sid := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()

	if sid != "" {
		if err := s.publishJSON(types.GoodbyeMessage{Type: "goodbye", SessionID: sid}); err != nil {
			s.logger.Warn("发布goodbye消息失败: %v", err)
		}
	}

	if s.listener != nil {
		s.listener.OnAudioChannelClosed()
	}
	return nil
}

// SendWakeWordDetected 上报检测到的唤醒词
func (s *Session) SendWakeWordDetected(word string) error {
	return s.publishJSON(types.ListenMessage{
		Type:      "listen",
		SessionID: s.SessionID(),
		State:     "detect",
		Text:      word,
	})
}

// SendStartListening 请求开始拾音并记录拾音模式
func (s *Session) SendStartListening(mode types.ListeningMode) error {
	s.mu.Lock()
	s.listeningMode = mode
	sid := s.sessionID
	s.mu.Unlock()

	return s.publishJSON(types.ListenMessage{
		Type:      "listen",
		SessionID: sid,
		State:     "start",
		Mode:      mode.WireString(),
	})
}

// SendStopListening 请求停止拾音
func (s *Session) SendStopListening() error {
	return s.publishJSON(types.ListenMessage{
		Type:      "listen",
		SessionID: s.SessionID(),
		State:     "stop",
	})
}

// SendAbortSpeaking 打断服务端语音输出
func (s *Session) SendAbortSpeaking(reason string) error {
	return s.publishJSON(types.AbortMessage{
		Type:      "abort",
		SessionID: s.SessionID(),
		Reason:    reason,
	})
}

// SendAudio 发送一帧编码后的音频
func (s *Session) SendAudio(data []byte) error {
	if s.audio.IsReady() {
		return s.audio.Send(data)
	}

	s.mu.Lock()
	wsOpen := s.wsAudioOpen
	s.mu.Unlock()
	if wsOpen && s.control.IsConnected() {
		if sender, ok := s.control.(transport.AudioSender); ok {
			return sender.SendAudio(data)
		}
	}
	return fmt.Errorf("音频通道不可用: %w", types.ErrNotReady)
}

func (s *Session) publishJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化控制消息失败: %v", err)
	}
	return s.control.Publish(payload)
}

// ---- transport.MessageSink ----

// OnConnected 控制通道连接建立
func (s *Session) OnConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("控制通道已连接")
}

// OnDisconnected 控制通道断开
func (s *Session) OnDisconnected(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Warn("控制通道断开: %v", err)
}

// OnAudioData WebSocket内联音频帧
func (s *Session) OnAudioData(data []byte) {
	if s.listener != nil {
		s.listener.OnIncomingAudio(data)
	}
}

// OnControlMessage 入站控制消息统一入口
// 单条畸形消息只记录不上抛，不能因此拆掉会话
func (s *Session) OnControlMessage(topic string, payload []byte) {
	if err := s.dispatch(payload); err != nil {
		s.logger.Warn("处理控制消息失败: %v", err)
	}
}

// dispatch 按type字段路由到各处理器；未知类型静默丢弃以保持前向兼容
func (s *Session) dispatch(payload []byte) error {
	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("解析控制消息失败: %v: %w", err, types.ErrInvalidArgument)
	}
	msgType, ok := msg["type"].(string)
	if !ok || msgType == "" {
		return fmt.Errorf("控制消息缺少type字段: %w", types.ErrInvalidArgument)
	}

	handler, ok := s.handlers[msgType]
	if !ok {
		s.logger.Debug("忽略未知消息类型: %s", msgType)
		return nil
	}
	return handler(msg)
}
