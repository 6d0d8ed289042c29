package types

// DeviceState 设备状态
type DeviceState int32

const (
	StateIdle DeviceState = iota
	StateListening
	StateSpeaking
)

func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ListeningMode 拾音模式，与设备状态是两个独立的维度
type ListeningMode int32

const (
	ListeningModeUnknown ListeningMode = iota
	ListeningModeRealtime
	ListeningModeAuto
	ListeningModeManual
	ListeningModeManualStop
	ListeningModeAutoStop
)

// WireString 返回listen消息中携带的mode字段值
func (m ListeningMode) WireString() string {
	switch m {
	case ListeningModeRealtime:
		return "realtime"
	case ListeningModeAuto:
		return "auto"
	case ListeningModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// abort消息的reason取值
const (
	AbortReasonWakeWordDetected = "wake_word_detected"
	AbortReasonStopListening    = "stop_listening"
	AbortReasonUnknown          = "unknown"
)
