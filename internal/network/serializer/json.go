package serializer

import (
	"github.com/lk2023060901/relay-hub/internal/json"
)

// JSONSerializer 使用 internal/json（基于 bytedance/sonic）实现 JSON 编解码。
type JSONSerializer struct{}

// 编译期断言：确保 JSONSerializer 实现了 Serializer 接口。
var _ Serializer = (*JSONSerializer)(nil)

// Marshal 编码 v；[]byte 与 json.RawMessage 视为已编码的 JSON，原样返回。
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	switch data := v.(type) {
	case json.RawMessage:
		return data, nil
	case []byte:
		return data, nil
	}
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
