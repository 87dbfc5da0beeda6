package queue

import (
	"context"
	"encoding/json"
)

// QueuedMessage 等待持久化的不可变消息记录
// 在发布到广播通道之前追加进队列，保证持久化不依赖任何在线订阅者
type QueuedMessage struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	RoomID      string `json:"roomId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Encode 序列化为队列条目
func (m *QueuedMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode 从队列条目解析
func Decode(data string) (*QueuedMessage, error) {
	var m QueuedMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Queue 持久化写回队列
// 追加端在热路径上同步调用；消费端每个排空周期 Peek 一批，
// 处理成功后再 Trim，失败则原样保留等待下个周期重试
type Queue interface {
	// Enqueue 追加一条消息到队尾
	Enqueue(ctx context.Context, msg *QueuedMessage) error

	// Peek 读取队头最多 n 条（不移除）
	Peek(ctx context.Context, n int) ([]string, error)

	// Trim 移除队头 n 条
	Trim(ctx context.Context, n int) error

	// Len 当前队列长度（用于监控）
	Len(ctx context.Context) (int64, error)
}
