package board

import (
	"encoding/json"
	"fmt"
	"net"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/settings"

	"github.com/google/uuid"
)

// Board 设备身份抽象，供握手与激活流程使用
type Board interface {
	// UUID 客户端唯一标识（Client-Id）
	UUID() string
	// MAC 设备MAC地址（Device-Id）
	MAC() string
	// IdentityJSON 上报给激活服务的完整身份信息
	IdentityJSON() ([]byte, error)
}

// DeviceBoard 默认实现：UUID持久化在board命名空间，MAC取第一个物理网卡
type DeviceBoard struct {
	cfg  *configs.Config
	uuid string
	mac  string
}

// NewDeviceBoard 创建设备身份，必要时生成并持久化新UUID
func NewDeviceBoard(cfg *configs.Config, store *settings.Store) (*DeviceBoard, error) {
	b := &DeviceBoard{cfg: cfg}

	ns, err := store.Open("board", true)
	if err != nil {
		return nil, err
	}
	defer ns.Close()

	b.uuid = ns.GetString("uuid", "")
	if b.uuid == "" {
		b.uuid = uuid.New().String()
		if err := ns.SetString("uuid", b.uuid); err != nil {
			return nil, fmt.Errorf("持久化UUID失败: %v", err)
		}
	}

	b.mac = firstHardwareMAC()
	if b.mac == "" {
		// 无可用网卡时退化为UUID前缀，保证Device-Id非空
		b.mac = b.uuid[:17]
	}
	return b, nil
}

func (b *DeviceBoard) UUID() string {
	return b.uuid
}

func (b *DeviceBoard) MAC() string {
	return b.mac
}

// IdentityJSON 组装身份JSON（激活POST的请求体）
func (b *DeviceBoard) IdentityJSON() ([]byte, error) {
	identity := map[string]interface{}{
		"version":     2,
		"uuid":        b.uuid,
		"mac_address": b.mac,
		"board": map[string]interface{}{
			"type": b.cfg.Client.BoardType,
		},
		"application": map[string]interface{}{
			"name":    b.cfg.Client.AppName,
			"version": b.cfg.Client.AppVersion,
		},
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("序列化身份信息失败: %v", err)
	}
	return data, nil
}

func firstHardwareMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
