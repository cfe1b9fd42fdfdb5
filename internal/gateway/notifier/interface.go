package notifier

import "context"

// TextNotifier 把渲染好的消息推送到运维渠道。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Nop 丢弃所有消息。
type Nop struct{}

func (Nop) SendText(context.Context, string) error { return nil }
