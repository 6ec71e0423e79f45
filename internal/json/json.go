// Package json 统一项目内的 JSON 编解码入口，底层使用 bytedance/sonic。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// api 使用与标准库行为兼容的 sonic 配置（HTML 转义、map key 排序等）。
var api = sonic.ConfigStd

// RawMessage 为未解析的 JSON 片段，原样保存并原样输出。
type RawMessage = stdjson.RawMessage

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 data 解码到 v，v 必须为指针。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
