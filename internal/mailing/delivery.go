package mailing

import (
	"context"

	"castbot/internal/broadcast"
	kit "castbot/internal/transport"
)

// CopyDeliverer delivers a broadcast payload by copying the original message.
type CopyDeliverer struct {
	Copier kit.Copier
}

func (d CopyDeliverer) Deliver(ctx context.Context, recipient int64, p broadcast.Payload) error {
	_, err := d.Copier.CopyMessage(ctx,
		kit.ChatTarget{ChatID: recipient},
		kit.MessageRef{ChatID: p.FromChatID, MessageID: p.MessageID},
	)
	return err
}
