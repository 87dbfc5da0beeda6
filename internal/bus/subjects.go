package bus

// NATS Subject 常量定义
const (
	// SubjectRoomPrefix 房间广播 Subject 前缀
	// 完整格式: chat.room.{roomId}
	SubjectRoomPrefix = "chat.room."

	// SubjectInstancePrefix 实例定向 Subject 前缀
	// 完整格式: chat.instance.{instanceId}
	SubjectInstancePrefix = "chat.instance."
)

// BuildRoomSubject 构建房间广播 Subject
func BuildRoomSubject(roomID string) string {
	return SubjectRoomPrefix + roomID
}

// BuildInstanceSubject 构建实例定向 Subject
func BuildInstanceSubject(instanceID string) string {
	return SubjectInstancePrefix + instanceID
}
