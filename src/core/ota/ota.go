package ota

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/board"
	"angrymiao-iot-client/src/core/settings"
	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	retryDelay     = 2 * time.Second
)

// ActivationInfo 设备激活引导信息
type ActivationInfo struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
	Timeout   int    `json:"timeout_ms"`
}

// FirmwareInfo 服务器公布的固件版本
type FirmwareInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	Force   int    `json:"force"`
}

// CheckResult 一次版本检查的解析结果
type CheckResult struct {
	Activation *ActivationInfo
	Firmware   *FirmwareInfo
	// HasMQTT/HasWebSocket 标记服务器本次是否下发了对应传输配置
	HasMQTT      bool
	HasWebSocket bool
}

// Fetcher 向版本服务上报设备标识并拉取激活信息、固件版本与传输配置
type Fetcher struct {
	cfg    *configs.Config
	board  board.Board
	store  *settings.Store
	logger *utils.Logger
	client *http.Client
}

// NewFetcher 创建版本检查器
func NewFetcher(cfg *configs.Config, b board.Board, store *settings.Store, logger *utils.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		board:  b,
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// CheckVersion 上报设备标识并处理服务器响应
// 网络超时类错误按固定间隔重试，最多3次
func (f *Fetcher) CheckVersion() (*CheckResult, error) {
	if f.cfg.OTA.URL == "" {
		return nil, fmt.Errorf("未配置版本检查地址: %w", types.ErrInvalidArgument)
	}

	body, err := f.board.IdentityJSON()
	if err != nil {
		return nil, fmt.Errorf("构造设备标识失败: %v", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := f.doCheck(body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		f.logger.Warn("版本检查失败(第%d次): %v", attempt, err)
		if attempt < maxAttempts {
			time.Sleep(retryDelay)
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doCheck(body []byte) (*CheckResult, error) {
	req, err := http.NewRequest(http.MethodPost, f.cfg.OTA.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造版本检查请求失败: %v", err)
	}
	req.Header.Set("Device-Id", f.board.MAC())
	req.Header.Set("Client-Id", f.board.UUID())
	req.Header.Set("User-Agent", f.cfg.Client.UserAgent)
	req.Header.Set("Accept-Language", "zh-CN")
	req.Header.Set("Activation-Version", "1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("版本检查请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("版本检查返回异常状态: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取版本检查响应失败: %v", err)
	}
	return f.parseResponse(data)
}

// parseResponse 解析响应并把传输配置写入对应settings命名空间
func (f *Fetcher) parseResponse(data []byte) (*CheckResult, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("解析版本检查响应失败: %v: %w", err, types.ErrInvalidArgument)
	}

	result := &CheckResult{}

	if act, ok := payload["activation"].(map[string]interface{}); ok {
		info := &ActivationInfo{}
		info.Message, _ = act["message"].(string)
		info.Code, _ = act["code"].(string)
		info.Challenge, _ = act["challenge"].(string)
		if t, ok := act["timeout_ms"].(float64); ok {
			info.Timeout = int(t)
		}
		result.Activation = info
	}

	if fw, ok := payload["firmware"].(map[string]interface{}); ok {
		info := &FirmwareInfo{}
		info.Version, _ = fw["version"].(string)
		info.URL, _ = fw["url"].(string)
		if force, ok := fw["force"].(float64); ok {
			info.Force = int(force)
		}
		result.Firmware = info
	}

	if mqtt, ok := payload["mqtt"].(map[string]interface{}); ok {
		if err := f.writeNamespace("mqtt", mqtt); err != nil {
			return nil, err
		}
		result.HasMQTT = true
	}
	if ws, ok := payload["websocket"].(map[string]interface{}); ok {
		if err := f.writeNamespace("websocket", ws); err != nil {
			return nil, err
		}
		result.HasWebSocket = true
	}

	return result, nil
}

// writeNamespace 把服务器下发的配置逐键写入settings并提交
func (f *Fetcher) writeNamespace(name string, values map[string]interface{}) error {
	ns, err := f.store.Open(name, true)
	if err != nil {
		return fmt.Errorf("打开%s配置命名空间失败: %v", name, err)
	}
	defer ns.Close()

	for key, value := range values {
		switch v := value.(type) {
		case string:
			if err := ns.SetString(key, v); err != nil {
				return fmt.Errorf("写入%s.%s失败: %v", name, key, err)
			}
		case float64:
			if err := ns.SetInt(key, int(v)); err != nil {
				return fmt.Errorf("写入%s.%s失败: %v", name, key, err)
			}
		default:
			f.logger.Debug("跳过不支持的配置类型: %s.%s", name, key)
		}
	}
	return nil
}

// IsUpdateAvailable 服务器版本高于当前版本或强制升级时为真
func (f *Fetcher) IsUpdateAvailable(result *CheckResult) bool {
	if result == nil || result.Firmware == nil || result.Firmware.Version == "" {
		return false
	}
	if result.Firmware.Force == 1 {
		return true
	}
	return CompareVersions(f.cfg.Client.AppVersion, result.Firmware.Version) < 0
}

// CompareVersions 逐段比较点分版本号，段数少且前缀相同的视为较小
// 返回-1、0、1分别表示a小于、等于、大于b
func CompareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	n := len(partsA)
	if len(partsB) < n {
		n = len(partsB)
	}
	for i := 0; i < n; i++ {
		numA, _ := strconv.Atoi(partsA[i])
		numB, _ := strconv.Atoi(partsB[i])
		if numA < numB {
			return -1
		}
		if numA > numB {
			return 1
		}
	}
	switch {
	case len(partsA) < len(partsB):
		return -1
	case len(partsA) > len(partsB):
		return 1
	}
	return 0
}

// isRetryable 只有超时类网络错误才值得重试
func isRetryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
