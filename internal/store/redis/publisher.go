package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

const DefaultNotifyChannel = "oseme:notifications"

type Publisher struct {
	cmd     commander
	channel string
}

var _ store.NotificationPublisher = (*Publisher)(nil)

func newPublisher(cmd commander, channel string) *Publisher {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &Publisher{cmd: cmd, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, n *model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.cmd.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
