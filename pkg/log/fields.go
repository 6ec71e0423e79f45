package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameConnID    = "connID"
	FieldNameUserID    = "userID"
	FieldNameKind      = "type"
	FieldNameRemote    = "remote"
	FieldNameStage     = "stage"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldConnID 返回一个包含连接 ID 的 zap 字段。
func FieldConnID(connID string) zap.Field {
	return zap.String(FieldNameConnID, connID)
}

// FieldUserID 返回一个包含用户身份的 zap 字段。
func FieldUserID(userID string) zap.Field {
	return zap.String(FieldNameUserID, userID)
}

// FieldKind 返回一个包含消息类型的 zap 字段。
func FieldKind(kind string) zap.Field {
	return zap.String(FieldNameKind, kind)
}

// FieldRemote 返回一个包含对端地址的 zap 字段。
func FieldRemote(addr string) zap.Field {
	return zap.String(FieldNameRemote, addr)
}

// FieldStage 返回一个包含网络处理阶段的 zap 字段。
func FieldStage(stage string) zap.Field {
	return zap.String(FieldNameStage, stage)
}
