package health

import "context"

// Service tracks process liveness for the health endpoint.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService derives the health context from the process root context so
// shutdown is reflected immediately.
func NewService(parent context.Context) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Shutdown() {
	s.cancel()
}

func (s *Service) IsShuttingDown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
