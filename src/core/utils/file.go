package utils

import (
	"fmt"
	"os"
)

// EnsureDir 确保目录存在，如果不存在则创建
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("创建目录失败: %v", err)
	}
	return nil
}
