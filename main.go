package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"angrymiao-iot-client/src/configs"
	"angrymiao-iot-client/src/core"
	"angrymiao-iot-client/src/core/board"
	"angrymiao-iot-client/src/core/ota"
	"angrymiao-iot-client/src/core/settings"
	"angrymiao-iot-client/src/core/transport"
	"angrymiao-iot-client/src/core/transport/mqtt"
	"angrymiao-iot-client/src/core/transport/websocket"
	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := configs.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Log.LogLevel, cfg.Log.LogDir, cfg.Log.LogFile)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("运行失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *configs.Config, logger *utils.Logger) error {
	store, err := settings.NewStore(cfg.Settings.Path, logger)
	if err != nil {
		return fmt.Errorf("初始化设置存储失败: %v", err)
	}
	defer store.Close()

	deviceBoard, err := board.NewDeviceBoard(cfg, store)
	if err != nil {
		return fmt.Errorf("初始化设备标识失败: %v", err)
	}
	logger.Info("设备标识: uuid=%s, mac=%s", deviceBoard.UUID(), deviceBoard.MAC())

	// 版本检查失败不阻塞启动，使用本地已有配置继续
	if cfg.OTA.URL != "" {
		fetcher := ota.NewFetcher(cfg, deviceBoard, store, logger)
		result, err := fetcher.CheckVersion()
		if err != nil {
			logger.Warn("版本检查失败: %v", err)
		} else {
			if result.Activation != nil && result.Activation.Code != "" {
				logger.Info("设备待激活: %s (激活码 %s)", result.Activation.Message, result.Activation.Code)
			}
			if fetcher.IsUpdateAvailable(result) {
				logger.Info("发现新固件版本: %s (%s)", result.Firmware.Version, result.Firmware.URL)
			}
		}
	}

	control, err := buildControlChannel(cfg, store, deviceBoard, logger)
	if err != nil {
		return err
	}

	session := core.NewSession(cfg, control, logger, &logListener{logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		session.Stop()
		return nil
	})

	logger.Info("客户端已启动: transport=%s", control.GetType())
	return g.Wait()
}

// buildControlChannel 按配置选择控制通道，服务器下发的配置优先于本地配置
func buildControlChannel(cfg *configs.Config, store *settings.Store, b board.Board, logger *utils.Logger) (transport.ControlChannel, error) {
	switch cfg.Transport.Default {
	case "mqtt":
		ns, err := store.Open("mqtt", false)
		if err != nil {
			logger.Warn("打开mqtt配置命名空间失败: %v", err)
		}
		return mqtt.NewMQTTClient(cfg, ns, logger), nil
	case "websocket":
		ns, err := store.Open("websocket", false)
		if err != nil {
			logger.Warn("打开websocket配置命名空间失败: %v", err)
		}
		return websocket.NewWSClient(cfg, ns, b.MAC(), b.UUID(), logger), nil
	default:
		return nil, fmt.Errorf("不支持的传输方式: %s", cfg.Transport.Default)
	}
}

// logListener 默认会话事件监听，仅做日志输出
type logListener struct {
	logger *utils.Logger
}

func (l *logListener) OnChatStateChanged(state types.DeviceState) {
	l.logger.Info("会话状态: %s", state)
}

func (l *logListener) OnChatText(role, text string) {
	l.logger.Info("[%s] %s", role, text)
}

func (l *logListener) OnChatEmoji(emotion string) {
	l.logger.Debug("表情: %s", emotion)
}

func (l *logListener) OnAudioChannelOpened() {
	l.logger.Info("音频通道已打开")
}

func (l *logListener) OnAudioChannelClosed() {
	l.logger.Info("音频通道已关闭")
}

func (l *logListener) OnServerGoodbye() {
	l.logger.Info("服务器已结束会话")
}

func (l *logListener) OnIncomingAudio(data []byte) {
	l.logger.Debug("收到音频帧: %d字节", len(data))
}
