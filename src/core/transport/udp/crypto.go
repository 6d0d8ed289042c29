package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"angrymiao-iot-client/src/core/types"
)

const (
	// PacketTypeAudio 音频包类型标识（nonce首字节）
	PacketTypeAudio = 0x01
	// NonceSize 包头长度，同时作为AES-CTR计数器种子
	NonceSize = 16
)

// CryptoContext 会话加密上下文，在hello握手成功后创建
type CryptoContext struct {
	key       [16]byte
	nonceBase [16]byte
}

// NewCryptoContext 从服务器下发的hex密钥和nonce创建加密上下文
func NewCryptoContext(keyHex, nonceHex string) (*CryptoContext, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("AES密钥格式错误: %w", types.ErrInvalidArgument)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != 16 {
		return nil, fmt.Errorf("nonce格式错误: %w", types.ErrInvalidArgument)
	}

	ctx := &CryptoContext{}
	copy(ctx.key[:], key)
	copy(ctx.nonceBase[:], nonce)
	return ctx, nil
}

// Destroy 清零密钥材料
func (c *CryptoContext) Destroy() {
	for i := range c.key {
		c.key[i] = 0
	}
	for i := range c.nonceBase {
		c.nonceBase[i] = 0
	}
}

// BuildNonce 基于nonce模板生成发包用的16字节包头
// 格式: [type(1B)][reserved(1B)][length(2B)][reserved(4B)][timestamp(4B)][seq(4B)]
func (c *CryptoContext) BuildNonce(dataLen int, timestamp, seq uint32) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, c.nonceBase[:])
	nonce[0] = PacketTypeAudio
	binary.BigEndian.PutUint16(nonce[2:4], uint16(dataLen))
	binary.BigEndian.PutUint32(nonce[8:12], timestamp)
	binary.BigEndian.PutUint32(nonce[12:16], seq)
	return nonce
}

// EncryptAESCTR 使用AES-CTR模式加密数据
// nonce: 16字节完整nonce；key: 16字节AES密钥
func EncryptAESCTR(nonce []byte, key []byte, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce长度必须为16字节: %w", types.ErrInvalidArgument)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("密钥长度必须为16字节: %w", types.ErrInvalidArgument)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建AES cipher失败: %v", err)
	}

	ciphertext := make([]byte, len(plaintext))
	stream := cipher.NewCTR(block, nonce)
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// DecryptAESCTR 使用AES-CTR模式解密数据
func DecryptAESCTR(nonce []byte, key []byte, ciphertext []byte) ([]byte, error) {
	// CTR模式下加解密为同一操作
	return EncryptAESCTR(nonce, key, ciphertext)
}

// ParsePacketHeader 从16字节包头中提取长度、时间戳与序列号
func ParsePacketHeader(nonce []byte) (dataLen uint16, timestamp, seq uint32, err error) {
	if len(nonce) < NonceSize {
		return 0, 0, 0, fmt.Errorf("包头长度不足16字节: %w", types.ErrInvalidArgument)
	}
	dataLen = binary.BigEndian.Uint16(nonce[2:4])
	timestamp = binary.BigEndian.Uint32(nonce[8:12])
	seq = binary.BigEndian.Uint32(nonce[12:16])
	return dataLen, timestamp, seq, nil
}
