package resilience

import (
	"context"
	"sync"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/utils"
)

type Sender interface {
	Send(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error)
}

type SenderConfig struct {
	Retry   RetryPolicy
	Breaker CircuitBreakerConfig
}

// ResilientSender retries transient send failures and trips one circuit
// breaker per platform. Only errors the retry policy considers retryable
// count against the breaker, so a rejected message never opens it.
type ResilientSender struct {
	next     Sender
	cfg      SenderConfig
	mu       sync.Mutex
	breakers map[models.Source]*CircuitBreaker
}

func CreateResilientSender(next Sender, cfg SenderConfig) *ResilientSender {
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = cfg.Retry.Retryable
	}
	return &ResilientSender{
		next:     next,
		cfg:      cfg,
		breakers: make(map[models.Source]*CircuitBreaker),
	}
}

func (s *ResilientSender) Send(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	var messageID string
	err := s.breaker(channel.Platform).Execute(func() error {
		return Retry(ctx, s.cfg.Retry, func() error {
			id, err := s.next.Send(ctx, channel, recipientID, text)
			messageID = id
			return err
		})
	})
	if err == ErrCircuitOpen {
		return "", utils.WrapAPIError(err, utils.ErrOutboundSendFailed)
	}
	return messageID, err
}

func (s *ResilientSender) State(platform models.Source) CircuitState {
	return s.breaker(platform).State()
}

func (s *ResilientSender) breaker(platform models.Source) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[platform]
	if !ok {
		cb = CreateCircuitBreaker("meta_"+string(platform), s.cfg.Breaker)
		s.breakers[platform] = cb
	}
	return cb
}
