package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MQTTTLSConfig MQTT TLS配置
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	SkipVerify bool   `yaml:"skip_verify" json:"skip_verify"`
}

// Config 主配置结构
type Config struct {
	Client struct {
		BoardType  string `yaml:"board_type" json:"board_type"`
		AppName    string `yaml:"app_name" json:"app_name"`
		AppVersion string `yaml:"app_version" json:"app_version"`
		UserAgent  string `yaml:"user_agent" json:"user_agent"`
	} `yaml:"client" json:"client"`

	// 传输层配置
	Transport struct {
		// 选择默认传输层
		Default string `yaml:"default" json:"default"`
		Mqtt    struct {
			Enabled        bool          `yaml:"enabled" json:"enabled"`
			Broker         string        `yaml:"broker" json:"broker"`
			Username       string        `yaml:"username" json:"username"`
			Password       string        `yaml:"password" json:"password"`
			ClientIDPrefix string        `yaml:"client_id_prefix" json:"client_id_prefix"`
			PublishTopic   string        `yaml:"publish_topic" json:"publish_topic"`
			SubscribeTopic string        `yaml:"subscribe_topic" json:"subscribe_topic"`
			Qos            int           `yaml:"qos" json:"qos"`
			KeepAlive      int           `yaml:"keep_alive" json:"keep_alive"` // 秒
			TLS            MQTTTLSConfig `yaml:"tls" json:"tls"`
		} `yaml:"mqtt" json:"mqtt"`
		WebSocket struct {
			Enabled         bool   `yaml:"enabled" json:"enabled"`
			URL             string `yaml:"url" json:"url"`
			Token           string `yaml:"token" json:"token"`
			ProtocolVersion int    `yaml:"protocol_version" json:"protocol_version"`
		} `yaml:"websocket" json:"websocket"`
	} `yaml:"transport" json:"transport"`

	// 音频参数（hello消息中上报）
	Audio struct {
		Format        string `yaml:"format" json:"format"`
		SampleRate    int    `yaml:"sample_rate" json:"sample_rate"`
		Channels      int    `yaml:"channels" json:"channels"`
		FrameDuration int    `yaml:"frame_duration" json:"frame_duration"` // ms
	} `yaml:"audio" json:"audio"`

	// OTA/激活配置
	OTA struct {
		URL string `yaml:"url" json:"url"`
	} `yaml:"ota" json:"ota"`

	// 本地设置存储
	Settings struct {
		Path string `yaml:"path" json:"path"` // sqlite文件路径
	} `yaml:"settings" json:"settings"`

	Log struct {
		LogLevel string `yaml:"log_level" json:"log_level"`
		LogDir   string `yaml:"log_dir" json:"log_dir"`
		LogFile  string `yaml:"log_file" json:"log_file"`
	} `yaml:"log" json:"log"`
}

// LoadConfig 从yaml文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}
	return cfg, nil
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Client.BoardType = "am-iot-dev"
	cfg.Client.AppName = "am-iot-chat"
	cfg.Client.AppVersion = "1.0.0"
	cfg.Client.UserAgent = "am-iot-dev/1.0.0"

	cfg.Transport.Default = "mqtt"
	cfg.Transport.Mqtt.Enabled = true
	cfg.Transport.Mqtt.ClientIDPrefix = "am_iot"
	cfg.Transport.Mqtt.Qos = 0
	cfg.Transport.Mqtt.KeepAlive = 90

	cfg.Transport.WebSocket.ProtocolVersion = 1

	cfg.Audio.Format = "opus"
	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.FrameDuration = 60

	cfg.Settings.Path = "data/settings.db"

	cfg.Log.LogLevel = "info"
	return cfg
}
