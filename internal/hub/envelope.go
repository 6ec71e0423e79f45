package hub

import (
	"github.com/lk2023060901/relay-hub/internal/json"
)

// Kind 为入站消息类型的封闭枚举，未列出的类型一律视为 KindUnknown。
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRegister
	KindOffer
	KindAnswer
	KindICECandidate
	KindMessage
	KindContactRequest
	KindContactAccepted
	KindGetOnlineUsers
	KindPing
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindRegister:        "register",
	KindOffer:           "offer",
	KindAnswer:          "answer",
	KindICECandidate:    "ice-candidate",
	KindMessage:         "message",
	KindContactRequest:  "contact-request",
	KindContactAccepted: "contact-accepted",
	KindGetOnlineUsers:  "get-online-users",
	KindPing:            "ping",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if Kind(k) != KindUnknown {
			m[name] = Kind(k)
		}
	}
	return m
}()

// ParseKind 将 type 字段解析为 Kind，无法识别时返回 KindUnknown。
func ParseKind(s string) Kind {
	if k, ok := kindsByName[s]; ok {
		return k
	}
	return KindUnknown
}

// String 返回线上使用的 type 字符串。
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// IsRelay 判断该类型是否为原样转发的信令消息。
func (k Kind) IsRelay() bool {
	return k == KindOffer || k == KindAnswer || k == KindICECandidate
}

// 出站消息的 type 字符串。
const (
	TypeConnected   = "connected"
	TypeRegistered  = "registered"
	TypeUserStatus  = "user-status"
	TypeOnlineUsers = "online-users"
	TypeError       = "error"
	TypePong        = "pong"
)

// 固定的错误回复文本。
const (
	msgInvalidFormat = "Invalid message format"
	msgInvalidUserID = "Invalid user ID"
)

var jsonNull = json.RawMessage("null")

// orNull 将缺失的 JSON 片段规范为 null。
func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return jsonNull
	}
	return raw
}

// optionalID 将未注册（空）身份编码为 null。
func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// 入站请求。

// RegisterRequest 为 register 消息。userId 保留原始 JSON 以便区分类型错误与格式错误。
type RegisterRequest struct {
	UserID   json.RawMessage `json:"userId"`
	UserInfo json.RawMessage `json:"userInfo"`
}

// RelayRequest 为 offer/answer/ice-candidate 消息，字段原样保留。
type RelayRequest map[string]json.RawMessage

// MessageRequest 为 message 消息。
type MessageRequest struct {
	TargetUserID string          `json:"targetUserId"`
	MessageData  json.RawMessage `json:"messageData"`
}

// ContactRequest 为 contact-request 消息。
type ContactRequest struct {
	TargetUserID string          `json:"targetUserId"`
	RequestData  json.RawMessage `json:"requestData"`
}

// ContactAcceptedRequest 为 contact-accepted 消息。
type ContactAcceptedRequest struct {
	TargetUserID string          `json:"targetUserId"`
	AccepterInfo json.RawMessage `json:"accepterInfo"`
}

// EmptyRequest 用于不携带参数的消息（get-online-users、ping）。
type EmptyRequest struct{}

// 出站消息。

type Connected struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

type OnlineUser struct {
	UserID   string          `json:"userId"`
	UserInfo json.RawMessage `json:"userInfo"`
}

type Registered struct {
	Type        string       `json:"type"`
	UserID      string       `json:"userId"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}

type UserStatus struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	IsOnline bool            `json:"isOnline"`
	UserInfo json.RawMessage `json:"userInfo"`
}

type OnlineUsers struct {
	Type  string       `json:"type"`
	Users []OnlineUser `json:"users"`
}

type DirectMessage struct {
	Type        string          `json:"type"`
	FromUserID  *string         `json:"fromUserId"`
	MessageData json.RawMessage `json:"messageData,omitempty"`
}

type ContactRequestDelivery struct {
	Type         string          `json:"type"`
	FromUserID   *string         `json:"fromUserId"`
	FromUserInfo json.RawMessage `json:"fromUserInfo"`
	RequestData  json.RawMessage `json:"requestData,omitempty"`
}

type ContactAcceptedDelivery struct {
	Type         string          `json:"type"`
	FromUserID   *string         `json:"fromUserId"`
	FromUserInfo json.RawMessage `json:"fromUserInfo"`
	AccepterInfo json.RawMessage `json:"accepterInfo,omitempty"`
}

type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newError(message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: TypeError, Message: message}
}
