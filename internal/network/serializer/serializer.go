package serializer

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
//
// 会话在发送前用它把业务对象编码为文本帧，路由在分发前用它把负载解码为请求对象。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}
