package types

import "errors"

// 错误分类，调用方通过 errors.Is 判断
var (
	// ErrInvalidArgument 调用参数或协议数据无效，不重试
	ErrInvalidArgument = errors.New("参数无效")
	// ErrNoResources 资源不足（分配/任务创建失败），调用方可稍后重试
	ErrNoResources = errors.New("资源不足")
	// ErrTimeout 等待超时（互斥锁或握手等待超限）
	ErrTimeout = errors.New("等待超时")
	// ErrNotAllowed 只读命名空间上的写操作
	ErrNotAllowed = errors.New("操作不允许")
	// ErrNotReady 音频通道未就绪（未打开/socket无效/已出错）
	ErrNotReady = errors.New("通道未就绪")
)
