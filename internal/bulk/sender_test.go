package bulk

import (
	"context"
	"sync"

	"github.com/vaidashi/failure-recovery/internal/transport"
)

type discardSender struct {
	mu    sync.Mutex
	count int
}

func (s *discardSender) Send(ctx context.Context, msg transport.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	return nil
}
