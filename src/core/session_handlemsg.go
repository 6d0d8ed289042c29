package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"angrymiao-iot-client/src/core/transport/udp"
	"angrymiao-iot-client/src/core/types"
)

// handleHelloMessage 服务器hello应答：记录会话参数、安装密钥并唤醒等待方
func (s *Session) handleHelloMessage(msg map[string]interface{}) error {
	tr, _ := msg["transport"].(string)
	if tr != "udp" && tr != "websocket" {
		return fmt.Errorf("hello应答传输方式不支持: %s: %w", tr, types.ErrInvalidArgument)
	}

	sh := &types.ServerHelloMessage{Type: "hello", Transport: tr}
	if sid, ok := msg["session_id"].(string); ok && sid != "" {
		sh.SessionID = sid
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	if ap, ok := msg["audio_params"].(map[string]interface{}); ok {
		if sr, ok := ap["sample_rate"].(float64); ok {
			s.serverSampleRate = int(sr)
		}
		if fd, ok := ap["frame_duration"].(float64); ok {
			s.serverFrameDuration = int(fd)
		}
	}

	if tr == "udp" {
		u, ok := msg["udp"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("hello应答缺少udp对象: %w", types.ErrInvalidArgument)
		}
		info := &types.UDPInfo{}
		info.Server, _ = u["server"].(string)
		if p, ok := u["port"].(float64); ok {
			info.Port = int(p)
		}
		if info.Server == "" || info.Port == 0 {
			return fmt.Errorf("udp配置缺少server或port: %w", types.ErrInvalidArgument)
		}
		info.Key, _ = u["key"].(string)
		info.Nonce, _ = u["nonce"].(string)
		if info.Key != "" && info.Nonce != "" {
			cryptoCtx, err := udp.NewCryptoContext(info.Key, info.Nonce)
			if err != nil {
				return fmt.Errorf("安装会话密钥失败: %v", err)
			}
			s.audio.SetCrypto(cryptoCtx)
		}
		sh.UDP = info
	}

	s.helloMu.Lock()
	s.serverHello = sh
	if s.helloCh != nil {
		close(s.helloCh)
		s.helloCh = nil
	}
	s.helloMu.Unlock()
	return nil
}

// handleGoodbyeMessage 服务器结束会话；携带不匹配session_id的视为过期消息忽略
func (s *Session) handleGoodbyeMessage(msg map[string]interface{}) error {
	sid, _ := msg["session_id"].(string)

	s.mu.Lock()
	cur := s.sessionID
	s.mu.Unlock()
	if sid != "" && sid != cur {
		s.logger.Debug("忽略过期goodbye: session_id=%s", sid)
		return nil
	}

	s.logger.Info("收到服务器goodbye: session_id=%s", sid)
	if s.listener != nil {
		s.listener.OnServerGoodbye()
	}
	return nil
}

// handleTTSMessage 服务端语音播报状态驱动设备状态机
func (s *Session) handleTTSMessage(msg map[string]interface{}) error {
	state, _ := msg["state"].(string)
	switch state {
	case "start":
		s.mu.Lock()
		cur := s.deviceState
		s.mu.Unlock()
		if cur == types.StateIdle || cur == types.StateListening {
			s.setDeviceState(types.StateSpeaking)
		}
	case "stop":
		s.mu.Lock()
		cur := s.deviceState
		mode := s.listeningMode
		s.mu.Unlock()
		if cur == types.StateSpeaking {
			// 手动拾音播完即回空闲，其余模式继续拾音
			if mode == types.ListeningModeManual {
				s.setDeviceState(types.StateIdle)
			} else {
				s.setDeviceState(types.StateListening)
			}
		}
	case "sentence_start":
		if text, ok := msg["text"].(string); ok && text != "" {
			s.logger.Info("<< %s", text)
			if s.listener != nil {
				s.listener.OnChatText("assistant", text)
			}
		}
	}
	return nil
}

// handleSTTMessage 语音识别结果
func (s *Session) handleSTTMessage(msg map[string]interface{}) error {
	if text, ok := msg["text"].(string); ok && text != "" {
		s.logger.Info(">> %s", text)
		if s.listener != nil {
			s.listener.OnChatText("user", text)
		}
	}
	return nil
}

// handleLLMMessage 表情指令
func (s *Session) handleLLMMessage(msg map[string]interface{}) error {
	if emotion, ok := msg["emotion"].(string); ok && emotion != "" {
		if s.listener != nil {
			s.listener.OnChatEmoji(emotion)
		}
	}
	return nil
}

// handleSystemMessage 服务器系统指令
func (s *Session) handleSystemMessage(msg map[string]interface{}) error {
	command, _ := msg["command"].(string)
	switch command {
	case "reboot":
		s.logger.Error("收到服务器重启指令，设备即将重启")
		if s.restartHook != nil {
			s.restartHook()
		}
	default:
		s.logger.Warn("未知system指令: %s", command)
	}
	return nil
}

// handleMCPMessage MCP消息通道占位：通知类直接丢弃，其余仅记录
func (s *Session) handleMCPMessage(msg map[string]interface{}) error {
	payload, ok := msg["payload"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("mcp消息缺少payload: %w", types.ErrInvalidArgument)
	}
	method, _ := payload["method"].(string)
	if strings.HasPrefix(method, "notifications") {
		s.logger.Debug("忽略MCP通知: method=%s", method)
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化mcp载荷失败: %v", err)
	}
	s.logger.Info("收到MCP消息: %s", data)
	return nil
}
