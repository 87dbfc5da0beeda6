package presence

import (
	"context"
	"testing"
	"time"
)

// TestRegisterOverwrites 新连接覆盖旧记录，同一用户最多一条
func TestRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	prev, err := r.Register(ctx, "user-1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if prev != "" {
		t.Errorf("expected no previous owner, got %q", prev)
	}

	prev, err = r.Register(ctx, "user-1")
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if prev != "instance-a" {
		t.Errorf("expected previous owner instance-a, got %q", prev)
	}

	instanceID, ok, err := r.Lookup(ctx, "user-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok || instanceID != "instance-a" {
		t.Errorf("expected single owner instance-a, got %q ok=%v", instanceID, ok)
	}
}

// TestLookupAbsent 未注册用户查询返回不在线
func TestLookupAbsent(t *testing.T) {
	r := NewMemoryRegistry("instance-a")

	_, ok, err := r.Lookup(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if ok {
		t.Error("expected absent entry")
	}
}

// TestRemove 移除后查询不在线
func TestRemove(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	r.Register(ctx, "user-1")
	if err := r.Remove(ctx, "user-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	_, ok, _ := r.Lookup(ctx, "user-1")
	if ok {
		t.Error("expected entry removed")
	}
}

// TestSweepRemovesStale 清理心跳过期的记录，保留新鲜记录
func TestSweepRemovesStale(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	now := time.Unix(1700000000, 0)
	r.nowFn = func() time.Time { return now }

	r.Register(ctx, "stale-user")

	now = now.Add(31 * time.Second)
	r.Register(ctx, "fresh-user")

	removed, err := r.Sweep(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 entry swept, got %d", removed)
	}

	if _, ok, _ := r.Lookup(ctx, "stale-user"); ok {
		t.Error("stale entry should be gone")
	}
	if _, ok, _ := r.Lookup(ctx, "fresh-user"); !ok {
		t.Error("fresh entry should survive")
	}
}

// TestHeartbeatDoesNotResurrect 心跳不会重建已移除的记录
func TestHeartbeatDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	r.Register(ctx, "user-1")
	r.Remove(ctx, "user-1")

	if err := r.Heartbeat(ctx, "user-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, ok, _ := r.Lookup(ctx, "user-1"); ok {
		t.Error("heartbeat must not recreate a removed entry")
	}
}

// TestHeartbeatSkipsForeignEntries 心跳不续期已迁往其他实例的记录
func TestHeartbeatSkipsForeignEntries(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	now := time.Unix(1700000000, 0)
	r.nowFn = func() time.Time { return now }

	r.Register(ctx, "user-1")
	// 用户迁去了别的实例
	r.entries["user-1"].InstanceID = "instance-b"

	now = now.Add(31 * time.Second)
	if err := r.Heartbeat(ctx, "user-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	removed, _ := r.Sweep(ctx, 30*time.Second)
	if removed != 1 {
		t.Errorf("foreign entry must stay stale and be swept, removed=%d", removed)
	}
}

// TestHeartbeatKeepsAlive 心跳刷新让记录躲过清理
func TestHeartbeatKeepsAlive(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("instance-a")

	now := time.Unix(1700000000, 0)
	r.nowFn = func() time.Time { return now }

	r.Register(ctx, "user-1")

	now = now.Add(20 * time.Second)
	if err := r.Heartbeat(ctx, "user-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	now = now.Add(20 * time.Second)
	removed, _ := r.Sweep(ctx, 30*time.Second)
	if removed != 0 {
		t.Errorf("expected no entries swept, got %d", removed)
	}
	if _, ok, _ := r.Lookup(ctx, "user-1"); !ok {
		t.Error("heartbeated entry should survive sweep")
	}
}
