package services

import (
	"errors"
	"fmt"

	"github.com/Gopher0727/GroupChat/internal/actor"
)

var (
	ErrGroupNameRequired = errors.New("group name is required")
	ErrGroupNameTooLong  = errors.New("group name is too long")
	ErrMessageEmpty      = errors.New("message is empty")
	ErrMessageTooLong    = errors.New("message is too long")

	ErrNameConflict  = errors.New("group name already exists")
	ErrGroupFull     = errors.New("group is full")
	ErrGroupNotFound = errors.New("group not found")
	ErrRateLimited   = errors.New("too many requests")
)

// IsValidation 参数校验失败, 在调用任何实体之前返回
func IsValidation(err error) bool {
	return errors.Is(err, ErrGroupNameRequired) ||
		errors.Is(err, ErrGroupNameTooLong) ||
		errors.Is(err, ErrMessageEmpty) ||
		errors.Is(err, ErrMessageTooLong)
}

// groupErr 把实体层的错误转换为服务层错误
func groupErr(op string, err error) error {
	if errors.Is(err, actor.ErrNotFound) {
		return ErrGroupNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
