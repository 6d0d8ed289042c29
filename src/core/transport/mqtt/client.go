package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core/settings"
	"angrymiao-iot-client/src/core/transport"
	"angrymiao-iot-client/src/core/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// MQTTClient 控制通道MQTT客户端实现
// 连接参数优先取激活服务下发并持久化的mqtt命名空间，其次取本地配置
type MQTTClient struct {
	cfg    *configs.Config
	logger *utils.Logger
	client mqtt.Client

	mu   sync.Mutex
	sink transport.MessageSink

	broker         string
	clientID       string
	username       string
	password       string
	publishTopic   string
	subscribeTopic string
	qos            byte
}

// NewMQTTClient 创建MQTT控制通道客户端
// ns 为激活服务写入的mqtt设置命名空间，可为nil
func NewMQTTClient(cfg *configs.Config, ns *settings.Namespace, logger *utils.Logger) *MQTTClient {
	mc := cfg.Transport.Mqtt
	c := &MQTTClient{
		cfg:            cfg,
		logger:         logger,
		broker:         ns.GetString("endpoint", mc.Broker),
		clientID:       ns.GetString("client_id", fmt.Sprintf("%s-%d", mc.ClientIDPrefix, time.Now().UnixNano())),
		username:       ns.GetString("username", mc.Username),
		password:       ns.GetString("password", mc.Password),
		publishTopic:   ns.GetString("publish_topic", mc.PublishTopic),
		subscribeTopic: ns.GetString("subscribe_topic", mc.SubscribeTopic),
		qos:            byte(mc.Qos),
	}
	return c
}

func (c *MQTTClient) GetType() string { return "mqtt" }

// SetSink 注册事件回调对象
func (c *MQTTClient) SetSink(sink transport.MessageSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *MQTTClient) getSink() transport.MessageSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// Start 连接Broker并订阅入站主题
func (c *MQTTClient) Start(ctx context.Context) error {
	if c.broker == "" {
		return fmt.Errorf("MQTT Broker地址未配置")
	}
	if c.publishTopic == "" || c.subscribeTopic == "" {
		return fmt.Errorf("MQTT主题未配置")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(c.clientID)

	if c.username != "" {
		opts.SetUsername(c.username)
		c.logger.Info("MQTT 使用认证连接: username=%s", c.username)
	} else {
		c.logger.Warn("MQTT 未配置用户名，使用匿名连接")
	}
	if c.password != "" {
		opts.SetPassword(c.password)
	}
	opts.SetAutoReconnect(true)
	if c.cfg.Transport.Mqtt.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(c.cfg.Transport.Mqtt.KeepAlive) * time.Second)
	}

	// TLS配置（可选）
	if tc := c.cfg.Transport.Mqtt.TLS; tc.Enabled {
		ls := &tls.Config{InsecureSkipVerify: tc.SkipVerify}
		// CA 根证书
		if tc.CAFile != "" {
			pem, err := os.ReadFile(tc.CAFile)
			if err != nil {
				return fmt.Errorf("读取CA文件失败: %v", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("加载CA证书失败")
			}
			ls.RootCAs = pool
		}
		// 客户端证书
		if tc.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
			if err != nil {
				return fmt.Errorf("加载客户端证书失败: %v", err)
			}
			ls.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(ls)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT连接丢失: %v", err)
		if sink := c.getSink(); sink != nil {
			sink.OnDisconnected(err)
		}
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("MQTT已连接，订阅主题: %s", c.subscribeTopic)
		tk := client.Subscribe(c.subscribeTopic, c.qos, c.onMessage)
		tk.Wait()
		if err := tk.Error(); err != nil {
			c.logger.Error("订阅失败: %v", err)
			return
		}
		if sink := c.getSink(); sink != nil {
			sink.OnConnected()
		}
	})

	client := mqtt.NewClient(opts)
	con := client.Connect()
	con.Wait()
	if err := con.Error(); err != nil {
		return fmt.Errorf("MQTT连接失败: %v", err)
	}
	c.client = client

	// 监听关闭信号
	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	c.logger.Info("MQTT控制通道已启动: %s", c.broker)
	return nil
}

// Stop 断开MQTT连接
func (c *MQTTClient) Stop() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.logger.Info("MQTT控制通道已停止")
	return nil
}

// IsConnected 检查连接状态
func (c *MQTTClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish 在出站主题上发布一条控制消息
func (c *MQTTClient) Publish(payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT未连接")
	}
	token := c.client.Publish(c.publishTopic, c.qos, false, payload)
	if token == nil {
		return fmt.Errorf("发布失败")
	}
	if ok := token.WaitTimeout(publishTimeout); !ok {
		return fmt.Errorf("发布失败或超时")
	}
	return token.Error()
}

// onMessage 入站消息回调，转发给注册的sink
func (c *MQTTClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	sink := c.getSink()
	if sink == nil {
		c.logger.Warn("未注册消息回调，丢弃消息: topic=%s", msg.Topic())
		return
	}
	sink.OnControlMessage(msg.Topic(), msg.Payload())
}
