package lobby

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"secure-relay/internal/config"
	"secure-relay/internal/room"
)

// RoomClosed 发往大厅状态服务的房间关闭通知
type RoomClosed struct {
	Event    string    `json:"event"`
	RoomID   string    `json:"room_id"`
	Reason   string    `json:"reason"`
	ClosedAt time.Time `json:"closed_at"`
}

// Notifier 消费房间事件并转发给大厅状态服务
// 未启用时只记录日志
type Notifier struct {
	config *config.LobbyConfig
	logger zerolog.Logger
	client *http.Client

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewNotifier 创建通知器
func NewNotifier(cfg *config.LobbyConfig, logger zerolog.Logger) *Notifier {
	return &Notifier{
		config: cfg,
		logger: logger.With().Str("component", "lobby_notifier").Logger(),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Run 消费事件直到 ctx 结束或事件通道关闭
func (n *Notifier) Run(ctx context.Context, events <-chan room.Event) {
	if n.config.Enabled {
		n.logger.Info().Str("url", n.config.URL).Msg("启动大厅通知")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev room.Event) {
	n.logger.Info().
		Str("room_id", ev.RoomID).
		Str("reason", ev.Reason).
		Time("closed_at", ev.At).
		Msg("房间已关闭")

	if !n.config.Enabled || ev.Kind != room.RoomClosed {
		return
	}

	if err := n.Notify(ctx, ev); err != nil {
		n.failed.Add(1)
		n.logger.Warn().Err(err).Str("room_id", ev.RoomID).Msg("通知大厅失败")
		return
	}
	n.delivered.Add(1)
}

// Notify 发送一次房间关闭通知，失败时按配置重试
func (n *Notifier) Notify(ctx context.Context, ev room.Event) error {
	body, err := sonic.Marshal(RoomClosed{
		Event:    "room_closed",
		RoomID:   ev.RoomID,
		Reason:   ev.Reason,
		ClosedAt: ev.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.config.RetryCount; attempt++ {
		if attempt > 0 {
			n.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", n.config.RetryInterval).
				Msg("重试大厅通知")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.config.RetryInterval):
			}
		}

		if lastErr = n.post(ctx, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("重试 %d 次后仍失败: %w", n.config.RetryCount, lastErr)
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("大厅返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// GetStats 获取统计信息
func (n *Notifier) GetStats() map[string]any {
	return map[string]any{
		"enabled":   n.config.Enabled,
		"delivered": n.delivered.Load(),
		"failed":    n.failed.Load(),
	}
}
