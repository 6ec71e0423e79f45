package session

import "github.com/google/uuid"

// NewID 生成一个新的连接 ID（UUID v4 字符串）。
func NewID() string {
	return uuid.NewString()
}
