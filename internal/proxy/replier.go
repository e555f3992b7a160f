package proxy

import (
	"context"
	"log/slog"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// ServerReplier drains one reply queue and hands each buffer to write,
// which knows how to get the bytes back to the client: a shared UDP
// socket addressed by Reply.DestAddr for UDP clients, or a direct write
// on the client's own TLS connection.
type ServerReplier struct {
	queue  *radius.ReplyQueue
	write  func(radius.Reply) error
	logger *slog.Logger
}

// NewServerReplier builds a replier over queue.
func NewServerReplier(queue *radius.ReplyQueue, write func(radius.Reply) error, logger *slog.Logger) *ServerReplier {
	return &ServerReplier{queue: queue, write: write, logger: logger}
}

// Run drains the queue until ctx is canceled.
func (sr *ServerReplier) Run(ctx context.Context) error {
	for {
		reply, err := sr.queue.Dequeue(ctx)
		if err != nil {
			return err
		}

		if err := sr.write(reply); err != nil {
			sr.logger.Warn("failed to deliver reply", slog.String("error", err.Error()))
		}
	}
}
