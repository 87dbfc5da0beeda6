package protocol

import (
	"encoding/json"
	"time"
)

// 消息类型
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypeUserList       = "user_list"
	TypeError          = "error"

	// TypePrivate 入站帧类型：客户端发送私聊时使用 "private"
	TypePrivate = "private"
)

// 系统发件人
const (
	SystemSenderID   = "system"
	SystemSenderName = "System"
)

// WebSocket 关闭码
const (
	// CloseAuthFailure 认证/授权失败，关闭帧携带可读原因
	CloseAuthFailure = 4000
	// CloseNormal 客户端正常断开以及重连驱逐
	CloseNormal = 1000
)

// Envelope 聊天协议的类型化消息信封
type Envelope struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId,omitempty"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	RecipientID string `json:"recipientId,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// Inbound 客户端入站帧
type Inbound struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	RecipientID string `json:"recipientId,omitempty"`
}

// UserEntry user_list 信封 content 中的单个用户
type UserEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Now 当前时间的 Unix 毫秒时间戳
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewJoin 构建加入房间信封
func NewJoin(roomID, senderID, senderName, instanceID string) *Envelope {
	return &Envelope{
		Type:       TypeJoin,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  Now(),
		InstanceID: instanceID,
	}
}

// NewLeave 构建离开房间信封
func NewLeave(roomID, senderID, senderName, instanceID string) *Envelope {
	return &Envelope{
		Type:       TypeLeave,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  Now(),
		InstanceID: instanceID,
	}
}

// NewMessage 构建房间消息信封
func NewMessage(roomID, senderID, senderName, content, instanceID string) *Envelope {
	return &Envelope{
		Type:       TypeMessage,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  Now(),
		InstanceID: instanceID,
	}
}

// NewPrivateMessage 构建私聊信封
func NewPrivateMessage(senderID, senderName, content, recipientID, instanceID string) *Envelope {
	return &Envelope{
		Type:        TypePrivateMessage,
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		Timestamp:   Now(),
		RecipientID: recipientID,
		InstanceID:  instanceID,
	}
}

// NewError 构建系统错误信封（发送给单个客户端，不会断开连接）
func NewError(reason string) *Envelope {
	return &Envelope{
		Type:       TypeError,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderName,
		Content:    reason,
		Timestamp:  Now(),
	}
}

// NewSystemMessage 构建系统提示信封（例如私聊发送确认）
func NewSystemMessage(content string) *Envelope {
	return &Envelope{
		Type:       TypeMessage,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderName,
		Content:    content,
		Timestamp:  Now(),
	}
}

// NewUserList 构建用户列表快照信封，content 为用户数组的 JSON
func NewUserList(roomID string, users []UserEntry, instanceID string) (*Envelope, error) {
	data, err := json.Marshal(users)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:       TypeUserList,
		RoomID:     roomID,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderName,
		Content:    string(data),
		Timestamp:  Now(),
		InstanceID: instanceID,
	}, nil
}
