package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"angrymiao-iot-client/src/core/types"
	"angrymiao-iot-client/src/core/utils"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Entry 设置条目，按命名空间+键存储
type Entry struct {
	Namespace string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"size:1024"`
}

// TableName 表名
func (Entry) TableName() string {
	return "settings_entries"
}

// Store 设置存储，一个sqlite文件承载全部命名空间
type Store struct {
	db     *gorm.DB
	logger *utils.Logger
}

// NewStore 打开设置存储
func NewStore(path string, logger *utils.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开设置存储失败: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("初始化设置表失败: %v", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close 关闭底层数据库
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Namespace 打开后的命名空间句柄
// 约定单线程使用；写操作先缓存在内存，Commit/Close时落盘
type Namespace struct {
	store     *Store
	name      string
	readWrite bool
	closed    bool

	pending  map[string]*string // nil值表示删除该键
	eraseAll bool
	dirty    bool
}

// Open 打开命名空间，readWrite为false时拒绝一切写操作
func (s *Store) Open(namespace string, readWrite bool) (*Namespace, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("设置存储不可用: %w", types.ErrNoResources)
	}
	if namespace == "" {
		return nil, fmt.Errorf("命名空间为空: %w", types.ErrInvalidArgument)
	}
	return &Namespace{
		store:     s,
		name:      namespace,
		readWrite: readWrite,
		pending:   make(map[string]*string),
	}, nil
}

// GetString 读取字符串，读取失败一律返回默认值
func (n *Namespace) GetString(key, defaultValue string) string {
	v, ok := n.lookup(key)
	if !ok {
		return defaultValue
	}
	return v
}

// GetInt 读取整数，键不存在或值非法时返回默认值
func (n *Namespace) GetInt(key string, defaultValue int) int {
	v, ok := n.lookup(key)
	if !ok {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return i
}

func (n *Namespace) lookup(key string) (string, bool) {
	if n == nil || n.store == nil || n.store.db == nil || n.closed {
		return "", false
	}
	// 未提交的写优先生效
	if pv, ok := n.pending[key]; ok {
		if pv == nil {
			return "", false
		}
		return *pv, true
	}
	if n.eraseAll {
		return "", false
	}

	var e Entry
	err := n.store.db.Where("namespace = ? AND key = ?", n.name, key).First(&e).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) && n.store.logger != nil {
			n.store.logger.Warn("读取设置失败: ns=%s, key=%s, error=%v", n.name, key, err)
		}
		return "", false
	}
	return e.Value, true
}

// SetString 写入字符串
func (n *Namespace) SetString(key, value string) error {
	if err := n.writable(); err != nil {
		return err
	}
	v := value
	n.pending[key] = &v
	n.dirty = true
	return nil
}

// SetInt 写入整数
func (n *Namespace) SetInt(key string, value int) error {
	return n.SetString(key, strconv.Itoa(value))
}

// EraseKey 删除单个键
func (n *Namespace) EraseKey(key string) error {
	if err := n.writable(); err != nil {
		return err
	}
	n.pending[key] = nil
	n.dirty = true
	return nil
}

// EraseAll 清空整个命名空间
func (n *Namespace) EraseAll() error {
	if err := n.writable(); err != nil {
		return err
	}
	n.pending = make(map[string]*string)
	n.eraseAll = true
	n.dirty = true
	return nil
}

func (n *Namespace) writable() error {
	if n == nil || n.store == nil {
		return fmt.Errorf("命名空间不可用: %w", types.ErrNoResources)
	}
	if n.closed {
		return fmt.Errorf("命名空间已关闭: %w", types.ErrNotAllowed)
	}
	if !n.readWrite {
		return fmt.Errorf("命名空间以只读方式打开: %w", types.ErrNotAllowed)
	}
	return nil
}

// Commit 提交缓存的写操作，成功后清除dirty标记
func (n *Namespace) Commit() error {
	if err := n.writable(); err != nil {
		return err
	}
	if !n.dirty {
		return nil
	}

	err := n.store.db.Transaction(func(tx *gorm.DB) error {
		if n.eraseAll {
			if err := tx.Where("namespace = ?", n.name).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}
		for key, pv := range n.pending {
			if pv == nil {
				if err := tx.Where("namespace = ? AND key = ?", n.name, key).Delete(&Entry{}).Error; err != nil {
					return err
				}
				continue
			}
			e := Entry{Namespace: n.name, Key: key, Value: *pv}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("提交设置失败: %v", err)
	}

	n.pending = make(map[string]*string)
	n.eraseAll = false
	n.dirty = false
	return nil
}

// Close 关闭命名空间；读写模式且有未提交的写时先提交
func (n *Namespace) Close() error {
	if n == nil || n.closed {
		return nil
	}
	var err error
	if n.readWrite && n.dirty {
		err = n.Commit()
	}
	n.closed = true
	n.pending = nil
	return err
}
