package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/transport"
	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"
)

// fakeControl 进程内控制通道，记录所有发布的消息
type fakeControl struct {
	mu        sync.Mutex
	sink      transport.MessageSink
	published [][]byte
	connected bool
	// onPublish 发布时的钩子，用于模拟服务器应答
	onPublish func(payload []byte)
}

func (f *fakeControl) Start(ctx context.Context) error { return nil }
func (f *fakeControl) Stop() error                     { return nil }
func (f *fakeControl) GetType() string                 { return "mqtt" }

func (f *fakeControl) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeControl) SetSink(sink transport.MessageSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeControl) Publish(payload []byte) error {
	f.mu.Lock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.published = append(f.published, buf)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(buf)
	}
	return nil
}

// deliver 模拟服务器推送一条控制消息
func (f *fakeControl) deliver(t *testing.T, msg string) {
	t.Helper()
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		t.Fatal("控制通道未注册消息接收方")
	}
	sink.OnControlMessage("devices/p2p/test", []byte(msg))
}

// messages 返回已发布消息的type字段序列
func (f *fakeControl) messages(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		var m map[string]interface{}
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("已发布消息不是合法JSON: %v", err)
		}
		msgType, _ := m["type"].(string)
		out = append(out, msgType)
	}
	return out
}

// countListener 计数各类事件
type countListener struct {
	mu            sync.Mutex
	stateChanges  []types.DeviceState
	texts         []string
	emojis        []string
	opened        int
	closed        int
	goodbyes      int
	incomingAudio int
}

func (l *countListener) OnChatStateChanged(state types.DeviceState) {
	l.mu.Lock()
	l.stateChanges = append(l.stateChanges, state)
	l.mu.Unlock()
}

func (l *countListener) OnChatText(role, text string) {
	l.mu.Lock()
	l.texts = append(l.texts, role+":"+text)
	l.mu.Unlock()
}

func (l *countListener) OnChatEmoji(emotion string) {
	l.mu.Lock()
	l.emojis = append(l.emojis, emotion)
	l.mu.Unlock()
}

func (l *countListener) OnAudioChannelOpened() {
	l.mu.Lock()
	l.opened++
	l.mu.Unlock()
}

func (l *countListener) OnAudioChannelClosed() {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *countListener) OnServerGoodbye() {
	l.mu.Lock()
	l.goodbyes++
	l.mu.Unlock()
}

func (l *countListener) OnIncomingAudio(data []byte) {
	l.mu.Lock()
	l.incomingAudio++
	l.mu.Unlock()
}

func newTestSession(t *testing.T) (*Session, *fakeControl, *countListener) {
	t.Helper()
	logger, err := utils.NewLogger("error", "", "")
	if err != nil {
		t.Fatalf("创建日志失败: %v", err)
	}
	control := &fakeControl{connected: true}
	listener := &countListener{}
	s := NewSession(configs.DefaultConfig(), control, logger, listener)
	return s, control, listener
}

func TestDispatchMissingType(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.dispatch([]byte(`{"text":"no type"}`)); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("缺少type字段应返回ErrInvalidArgument, 实际: %v", err)
	}
	if err := s.dispatch([]byte(`not-json`)); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("非法JSON应返回ErrInvalidArgument, 实际: %v", err)
	}
}

func TestDispatchUnknownTypeDropped(t *testing.T) {
	s, _, listener := newTestSession(t)
	if err := s.dispatch([]byte(`{"type":"totally-new","data":1}`)); err != nil {
		t.Fatalf("未知消息类型应静默丢弃, 实际: %v", err)
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.stateChanges) != 0 || len(listener.texts) != 0 {
		t.Fatal("未知消息不应触发任何事件")
	}
}

func TestSetDeviceStateIdempotent(t *testing.T) {
	s, _, listener := newTestSession(t)

	s.setDeviceState(types.StateSpeaking)
	s.setDeviceState(types.StateSpeaking)
	s.setDeviceState(types.StateSpeaking)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.stateChanges) != 1 {
		t.Fatalf("重复设置同一状态应只产生一次事件, 实际%d次", len(listener.stateChanges))
	}
	if listener.stateChanges[0] != types.StateSpeaking {
		t.Fatalf("状态事件错误: %s", listener.stateChanges[0])
	}
}

func TestTTSStateMachine(t *testing.T) {
	s, control, listener := newTestSession(t)

	// 自动模式: speaking结束回到listening
	if err := s.SendStartListening(types.ListeningModeAuto); err != nil {
		t.Fatalf("发送listen失败: %v", err)
	}
	control.deliver(t, `{"type":"tts","state":"start"}`)
	if got := s.DeviceState(); got != types.StateSpeaking {
		t.Fatalf("tts start后应为speaking, 实际: %s", got)
	}
	control.deliver(t, `{"type":"tts","state":"stop"}`)
	if got := s.DeviceState(); got != types.StateListening {
		t.Fatalf("自动模式tts stop后应为listening, 实际: %s", got)
	}

	// 手动模式: speaking结束回到idle
	if err := s.SendStartListening(types.ListeningModeManual); err != nil {
		t.Fatalf("发送listen失败: %v", err)
	}
	control.deliver(t, `{"type":"tts","state":"start"}`)
	control.deliver(t, `{"type":"tts","state":"stop"}`)
	if got := s.DeviceState(); got != types.StateIdle {
		t.Fatalf("手动模式tts stop后应为idle, 实际: %s", got)
	}

	// 句首文本
	control.deliver(t, `{"type":"tts","state":"sentence_start","text":"你好"}`)
	listener.mu.Lock()
	defer listener.mu.Unlock()
	found := false
	for _, txt := range listener.texts {
		if txt == "assistant:你好" {
			found = true
		}
	}
	if !found {
		t.Fatalf("未收到assistant文本事件: %v", listener.texts)
	}
}

func TestSTTAndLLMEvents(t *testing.T) {
	s, control, listener := newTestSession(t)
	_ = s

	control.deliver(t, `{"type":"stt","text":"打开空调"}`)
	control.deliver(t, `{"type":"llm","emotion":"happy"}`)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.texts) != 1 || listener.texts[0] != "user:打开空调" {
		t.Fatalf("stt事件错误: %v", listener.texts)
	}
	if len(listener.emojis) != 1 || listener.emojis[0] != "happy" {
		t.Fatalf("llm事件错误: %v", listener.emojis)
	}
}

func TestGoodbyeSessionIDFilter(t *testing.T) {
	s, control, listener := newTestSession(t)

	s.mu.Lock()
	s.sessionID = "sess-1"
	s.mu.Unlock()

	// 不匹配的session_id忽略
	control.deliver(t, `{"type":"goodbye","session_id":"other"}`)
	// 匹配与缺省的都触发
	control.deliver(t, `{"type":"goodbye","session_id":"sess-1"}`)
	control.deliver(t, `{"type":"goodbye"}`)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.goodbyes != 2 {
		t.Fatalf("goodbye事件次数错误: 期望2, 实际%d", listener.goodbyes)
	}
}

func TestSystemRebootHook(t *testing.T) {
	s, control, _ := newTestSession(t)

	rebooted := false
	s.SetRestartHook(func() { rebooted = true })

	control.deliver(t, `{"type":"system","command":"reboot"}`)
	if !rebooted {
		t.Fatal("reboot指令应触发重启钩子")
	}
}

func TestMCPNotificationDropped(t *testing.T) {
	s, control, _ := newTestSession(t)
	_ = s

	control.deliver(t, `{"type":"mcp","payload":{"method":"notifications/initialized"}}`)
	control.deliver(t, `{"type":"mcp","payload":{"method":"tools/list","id":1}}`)
	// 缺少payload走告警路径，不应panic
	control.deliver(t, `{"type":"mcp"}`)
}

func TestOpenAudioChannelTimeout(t *testing.T) {
	s, _, _ := newTestSession(t)

	old := helloTimeout
	helloTimeout = 200 * time.Millisecond
	defer func() { helloTimeout = old }()

	done := make(chan error, 1)
	go func() {
		done <- s.OpenAudioChannel(nil)
	}()

	// 不投递hello应答，等待超时路径
	select {
	case err := <-done:
		if !errors.Is(err, types.ErrTimeout) {
			t.Fatalf("无应答时应返回ErrTimeout, 实际: %v", err)
		}
	case <-time.After(helloTimeout + 2*time.Second):
		t.Fatal("OpenAudioChannel未在超时上限内返回")
	}
}

func TestOpenAudioChannelHandshake(t *testing.T) {
	s, control, listener := newTestSession(t)

	serverHello := `{
		"type": "hello",
		"transport": "udp",
		"session_id": "sess-42",
		"audio_params": {"sample_rate": 24000, "frame_duration": 60},
		"udp": {
			"server": "127.0.0.1",
			"port": 18990,
			"key": "00112233445566778899aabbccddeeff",
			"nonce": "01000000000000000000000000000000"
		}
	}`
	control.onPublish = func(payload []byte) {
		var m map[string]interface{}
		_ = json.Unmarshal(payload, &m)
		if m["type"] == "hello" {
			go control.deliver(t, serverHello)
		}
	}

	if err := s.OpenAudioChannel(nil); err != nil {
		t.Fatalf("握手失败: %v", err)
	}
	defer s.CloseAudioChannel()

	if got := s.SessionID(); got != "sess-42" {
		t.Fatalf("会话ID错误: %q", got)
	}
	if s.serverSampleRate != 24000 {
		t.Fatalf("服务端采样率错误: %d", s.serverSampleRate)
	}
	if !s.audio.IsReady() {
		t.Fatal("握手成功后音频通道应就绪")
	}

	listener.mu.Lock()
	opened := listener.opened
	listener.mu.Unlock()
	if opened != 1 {
		t.Fatalf("打开事件次数错误: %d", opened)
	}

	// 验证出站hello内容
	control.mu.Lock()
	var hello types.ClientHelloMessage
	if err := json.Unmarshal(control.published[0], &hello); err != nil {
		t.Fatalf("解析出站hello失败: %v", err)
	}
	control.mu.Unlock()
	if hello.Version != 3 || hello.Transport != "udp" {
		t.Fatalf("出站hello字段错误: version=%d, transport=%s", hello.Version, hello.Transport)
	}
	if hello.AudioParams.Format != "opus" || hello.AudioParams.SampleRate != 16000 {
		t.Fatalf("出站hello音频参数错误: %+v", hello.AudioParams)
	}
}

func TestOpenAudioChannelRejectsBadAck(t *testing.T) {
	s, control, _ := newTestSession(t)

	old := helloTimeout
	helloTimeout = 200 * time.Millisecond
	defer func() { helloTimeout = old }()

	// 应答缺少udp对象: 处理器应拒绝且不发出握手信号，最终超时
	control.onPublish = func(payload []byte) {
		go control.deliver(t, `{"type":"hello","transport":"udp","session_id":"x"}`)
	}

	done := make(chan error, 1)
	go func() { done <- s.OpenAudioChannel(nil) }()
	select {
	case err := <-done:
		if !errors.Is(err, types.ErrTimeout) {
			t.Fatalf("畸形应答应导致超时, 实际: %v", err)
		}
	case <-time.After(helloTimeout + 2*time.Second):
		t.Fatal("OpenAudioChannel未返回")
	}
}

func TestCloseAudioChannelGoodbyeOnce(t *testing.T) {
	s, control, listener := newTestSession(t)

	s.mu.Lock()
	s.sessionID = "sess-9"
	s.mu.Unlock()

	if err := s.CloseAudioChannel(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	// 第二次关闭没有会话ID，不应再发goodbye
	if err := s.CloseAudioChannel(); err != nil {
		t.Fatalf("重复关闭失败: %v", err)
	}

	goodbyes := 0
	for _, msgType := range control.messages(t) {
		if msgType == "goodbye" {
			goodbyes++
		}
	}
	if goodbyes != 1 {
		t.Fatalf("goodbye应只发送一次, 实际%d次", goodbyes)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.closed != 2 {
		t.Fatalf("每次关闭都应发出关闭事件, 实际%d次", listener.closed)
	}
}

func TestListenAndAbortMessages(t *testing.T) {
	s, control, _ := newTestSession(t)

	s.mu.Lock()
	s.sessionID = "sess-7"
	s.mu.Unlock()

	if err := s.SendWakeWordDetected("你好小智"); err != nil {
		t.Fatalf("发送唤醒词失败: %v", err)
	}
	if err := s.SendStartListening(types.ListeningModeRealtime); err != nil {
		t.Fatalf("发送开始拾音失败: %v", err)
	}
	if err := s.SendStopListening(); err != nil {
		t.Fatalf("发送停止拾音失败: %v", err)
	}
	if err := s.SendAbortSpeaking(types.AbortReasonWakeWordDetected); err != nil {
		t.Fatalf("发送打断失败: %v", err)
	}
	if got := s.ListeningMode(); got != types.ListeningModeRealtime {
		t.Fatalf("拾音模式未记录: %v", got)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.published) != 4 {
		t.Fatalf("发布消息数量错误: %d", len(control.published))
	}

	var detect types.ListenMessage
	_ = json.Unmarshal(control.published[0], &detect)
	if detect.State != "detect" || detect.Text != "你好小智" || detect.SessionID != "sess-7" {
		t.Fatalf("detect消息错误: %+v", detect)
	}

	var start types.ListenMessage
	_ = json.Unmarshal(control.published[1], &start)
	if start.State != "start" || start.Mode != "realtime" {
		t.Fatalf("start消息错误: %+v", start)
	}

	var stop types.ListenMessage
	_ = json.Unmarshal(control.published[2], &stop)
	if stop.State != "stop" {
		t.Fatalf("stop消息错误: %+v", stop)
	}

	var abort types.AbortMessage
	_ = json.Unmarshal(control.published[3], &abort)
	if abort.Type != "abort" || abort.Reason != types.AbortReasonWakeWordDetected {
		t.Fatalf("abort消息错误: %+v", abort)
	}
}

func TestSendAudioNotReady(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.SendAudio([]byte("frame")); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("通道未打开时发送应返回ErrNotReady, 实际: %v", err)
	}
}
