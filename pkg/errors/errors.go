// Package errors 提供统一错误辅助，不依赖 internal；conductor、transport、wallet 共用
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidArg   = errors.New("invalid argument")
	ErrShuttingDown = errors.New("shutting down")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsAny 判断 err 链上是否命中任一 target
func IsAny(err error, targets ...error) bool {
	if err == nil {
		return false
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
