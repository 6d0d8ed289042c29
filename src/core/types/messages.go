package types

// AudioParams 音频参数
type AudioParams struct {
	Format        string `json:"format"`         // "opus"
	SampleRate    int    `json:"sample_rate"`    // 采样率
	Channels      int    `json:"channels"`       // 声道数
	FrameDuration int    `json:"frame_duration"` // 帧时长(ms)
}

// HelloFeatures hello消息中的能力声明
type HelloFeatures struct {
	MCP bool `json:"mcp"`
	AEC bool `json:"aec,omitempty"`
}

// ClientHelloMessage 客户端Hello消息
type ClientHelloMessage struct {
	Type        string        `json:"type"`      // "hello"
	Version     int           `json:"version"`   // 协议版本
	Transport   string        `json:"transport"` // "udp" 或 "websocket"
	Features    HelloFeatures `json:"features"`
	AudioParams AudioParams   `json:"audio_params"`
}

// UDPInfo 服务器下发的UDP配置信息
type UDPInfo struct {
	Server     string `json:"server"`               // UDP服务器地址
	Port       int    `json:"port"`                 // UDP服务器端口
	Encryption string `json:"encryption,omitempty"` // "aes-ctr"
	Key        string `json:"key"`                  // AES密钥(hex)
	Nonce      string `json:"nonce"`                // 完整nonce(hex)
}

// ServerHelloMessage 服务器Hello应答
type ServerHelloMessage struct {
	Type        string       `json:"type"`
	Version     int          `json:"version,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Transport   string       `json:"transport"`
	UDP         *UDPInfo     `json:"udp,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// ListenMessage 拾音控制消息
type ListenMessage struct {
	Type      string `json:"type"` // "listen"
	SessionID string `json:"session_id"`
	State     string `json:"state"` // "start"/"stop"/"detect"
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"` // 唤醒词文本
}

// AbortMessage 打断服务端说话
type AbortMessage struct {
	Type      string `json:"type"` // "abort"
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// GoodbyeMessage 会话结束消息
type GoodbyeMessage struct {
	Type      string `json:"type"` // "goodbye"
	SessionID string `json:"session_id"`
}
