package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"
)

const (
	lockWaitOpen  = 1 * time.Second
	lockWaitSend  = 100 * time.Millisecond
	taskExitWait  = 2 * time.Second
	readDeadline  = 1 * time.Second
	recvBackoff   = 100 * time.Millisecond
	maxRecvErrors = 10
	recvBufSize   = 4096
)

// AudioChannel 音频通道：UDP socket、后台接收任务与加密上下文的生命周期管理
//
// socket句柄放在原子指针里：Close()先清空指针再关闭fd，
// 接收任务每轮循环重新读取指针、发现为空即退出，全程不取通道锁，
// 避免Close等待任务退出与任务等锁之间的死锁。
type AudioChannel struct {
	logger *utils.Logger

	lock     chan struct{} // 容量1的通道锁，支持限时获取
	conn     atomic.Pointer[net.UDPConn]
	crypto   atomic.Pointer[CryptoContext]
	taskDone chan struct{} // 接收任务退出信号，持锁访问

	opened        atomic.Bool
	errorOccurred atomic.Bool // 粘性错误标志，接收任务连续出错后置位

	localSeq     uint32 // 发送序列号，仅Send持锁写
	remoteSeq    atomic.Uint32
	lastIncoming atomic.Int64 // 最近一次收包时间(UnixMilli)

	onAudio func(data []byte)
}

// NewAudioChannel 创建音频通道
func NewAudioChannel(logger *utils.Logger) *AudioChannel {
	return &AudioChannel{
		logger: logger,
		lock:   make(chan struct{}, 1),
	}
}

// SetAudioCallback 注册解密后音频数据的回调
func (c *AudioChannel) SetAudioCallback(fn func(data []byte)) {
	c.onAudio = fn
}

// SetCrypto 安装会话加密上下文并重置收发序列号
func (c *AudioChannel) SetCrypto(ctx *CryptoContext) {
	old := c.crypto.Swap(ctx)
	if old != nil {
		old.Destroy()
	}
	c.localSeq = 0
	c.remoteSeq.Store(0)
}

func (c *AudioChannel) acquire(timeout time.Duration) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("获取通道锁超时: %w", types.ErrTimeout)
	}
}

func (c *AudioChannel) release() {
	<-c.lock
}

// Open 建立UDP socket并启动接收任务
func (c *AudioChannel) Open(server string, port int) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", server, port))
	if err != nil {
		return fmt.Errorf("解析UDP地址失败: %v: %w", err, types.ErrInvalidArgument)
	}
	// connect仅用于固定目的地址并过滤入站数据报
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("创建UDP socket失败: %v: %w", err, types.ErrNoResources)
	}

	if err := c.acquire(lockWaitOpen); err != nil {
		_ = conn.Close()
		return err
	}
	defer c.release()

	if c.conn.Load() != nil {
		_ = conn.Close()
		return fmt.Errorf("音频通道已打开: %w", types.ErrInvalidArgument)
	}

	c.conn.Store(conn)
	c.opened.Store(true)
	c.errorOccurred.Store(false)
	c.taskDone = make(chan struct{})
	go c.receiveLoop(conn, c.taskDone)

	c.logger.Info("UDP音频通道已打开: server=%s:%d", server, port)
	return nil
}

// Close 关闭通道并等待接收任务退出，可重复调用
func (c *AudioChannel) Close() error {
	if err := c.acquire(lockWaitOpen); err != nil {
		return err
	}

	// 先清空socket字段再关闭fd，让接收任务下一轮循环立即观察到关闭
	conn := c.conn.Swap(nil)
	done := c.taskDone
	c.taskDone = nil
	if conn != nil {
		_ = conn.Close()
	}
	c.opened.Store(false)
	c.errorOccurred.Store(false)
	c.localSeq = 0
	c.remoteSeq.Store(0)
	c.release()

	// 锁外等待任务退出，避免与接收任务形成锁序死锁
	if done != nil {
		select {
		case <-done:
		case <-time.After(taskExitWait):
			// socket已关闭，任务终将退出，超时仅告警
			c.logger.Warn("等待UDP接收任务退出超时")
		}
	}

	if crypto := c.crypto.Swap(nil); crypto != nil {
		crypto.Destroy()
	}
	return nil
}

// IsReady 检查通道是否可发送
func (c *AudioChannel) IsReady() bool {
	return c.opened.Load() && c.conn.Load() != nil && !c.errorOccurred.Load()
}

// Send 加密并发送一帧音频
func (c *AudioChannel) Send(payload []byte) error {
	if !c.IsReady() {
		return fmt.Errorf("音频通道不可用: %w", types.ErrNotReady)
	}
	if err := c.acquire(lockWaitSend); err != nil {
		return err
	}
	defer c.release()

	conn := c.conn.Load()
	crypto := c.crypto.Load()
	if conn == nil || crypto == nil {
		return fmt.Errorf("音频通道不可用: %w", types.ErrNotReady)
	}

	c.localSeq++
	timestamp := uint32(time.Now().UnixMilli())
	nonce := crypto.BuildNonce(len(payload), timestamp, c.localSeq)

	encrypted, err := EncryptAESCTR(nonce, crypto.key[:], payload)
	if err != nil {
		return fmt.Errorf("加密音频数据失败: %v", err)
	}

	packet := make([]byte, NonceSize+len(encrypted))
	copy(packet[:NonceSize], nonce)
	copy(packet[NonceSize:], encrypted)

	n, err := conn.Write(packet)
	if err != nil {
		return fmt.Errorf("发送UDP数据包失败: %v", err)
	}
	if n != len(packet) {
		return fmt.Errorf("UDP发送不完整: 期望%d字节, 实际%d字节", len(packet), n)
	}
	return nil
}

// receiveLoop 后台接收任务，协作式取消：socket字段被清空或替换即退出
func (c *AudioChannel) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, recvBufSize)
	consecutiveErrors := 0

	for {
		// 每轮循环重新检查socket字段，这是唯一的取消检查点
		if c.conn.Load() != conn {
			c.logger.Debug("UDP接收任务退出: socket已关闭")
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				// 并发Close()关闭了socket，回到循环顶部确认后退出
				continue
			}
			consecutiveErrors++
			if consecutiveErrors >= maxRecvErrors {
				c.logger.Error("UDP接收连续出错%d次，通道不可用", consecutiveErrors)
				c.errorOccurred.Store(true)
				return
			}
			c.logger.Warn("UDP接收失败: %v", err)
			time.Sleep(recvBackoff)
			continue
		}
		consecutiveErrors = 0
		c.handlePacket(buf[:n])
	}
}

// handlePacket 校验、解密并投递一个入站数据包
func (c *AudioChannel) handlePacket(data []byte) {
	if len(data) < NonceSize {
		c.logger.Warn("UDP数据包长度不足: len=%d", len(data))
		return
	}
	if data[0] != PacketTypeAudio {
		c.logger.Warn("收到非标准UDP包: 首字节=0x%02x", data[0])
		return
	}

	nonce := data[:NonceSize]
	encrypted := data[NonceSize:]
	dataLen, _, seq, err := ParsePacketHeader(nonce)
	if err != nil {
		c.logger.Warn("解析包头失败: %v", err)
		return
	}
	if int(dataLen) != len(encrypted) {
		c.logger.Warn("数据长度不匹配: 期望=%d, 实际=%d", dataLen, len(encrypted))
		return
	}

	remote := c.remoteSeq.Load()
	if seq < remote {
		c.logger.Warn("丢弃过期数据包: seq=%d, remote_seq=%d", seq, remote)
		return
	}
	if seq != remote+1 {
		// 容忍丢包，下游解码器自行处理间隙
		c.logger.Warn("序列号不连续: 期望=%d, 实际=%d", remote+1, seq)
	}

	crypto := c.crypto.Load()
	if crypto == nil {
		c.logger.Warn("加密上下文未就绪，丢弃数据包")
		return
	}
	decrypted, err := DecryptAESCTR(nonce, crypto.key[:], encrypted)
	if err != nil {
		c.logger.Warn("解密UDP数据包失败: seq=%d, error=%v", seq, err)
		return
	}

	if len(decrypted) > 0 && c.onAudio != nil {
		c.onAudio(decrypted)
	}
	c.remoteSeq.Store(seq)
	c.lastIncoming.Store(time.Now().UnixMilli())
}

// RemoteSequence 最近接受的入站序列号
func (c *AudioChannel) RemoteSequence() uint32 {
	return c.remoteSeq.Load()
}

// LastIncomingTime 最近一次收到音频数据的时间，供上层做活性检查
func (c *AudioChannel) LastIncomingTime() time.Time {
	ms := c.lastIncoming.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
