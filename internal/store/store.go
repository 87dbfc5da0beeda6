package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.chat.relay/internal/config"
)

// NewPool 创建数据库连接池
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.MaxConns)
	return pgxpool.New(ctx, dsn)
}

// RoomStore 房间存在性查询
// 房间的创建/删除由外部系统负责，这里只做按 ID 的存在性校验
type RoomStore struct {
	db *pgxpool.Pool
}

// NewRoomStore 创建房间存储
func NewRoomStore(db *pgxpool.Pool) *RoomStore {
	return &RoomStore{db: db}
}

// Exists 校验房间是否存在
func (s *RoomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	query := `SELECT id FROM code_rooms WHERE id = $1`

	var id string
	err := s.db.QueryRow(ctx, query, roomID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UserStore 用户信息查询
type UserStore struct {
	db *pgxpool.Pool
}

// NewUserStore 创建用户存储
func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

// ErrUserNotFound 用户不存在
var ErrUserNotFound = errors.New("user not found")

// GetName 查询用户的名字
func (s *UserStore) GetName(ctx context.Context, userID string) (firstName, lastName string, err error) {
	query := `SELECT COALESCE(first_name, ''), COALESCE(last_name, '') FROM users WHERE id = $1`

	err = s.db.QueryRow(ctx, query, userID).Scan(&firstName, &lastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrUserNotFound
	}
	if err != nil {
		return "", "", err
	}
	return firstName, lastName, nil
}
