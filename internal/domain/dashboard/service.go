package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mhlink/kpi/internal/domain/aggregator"
	"github.com/mhlink/kpi/internal/domain/history"
	"github.com/mhlink/kpi/internal/domain/site"
)

// Event types published on the passes topic.
const (
	EventPassCompleted = "pass.completed"
	EventPassFailed    = "pass.failed"
)

type SiteLoader interface {
	Document(ctx context.Context) (*site.Document, error)
}

type Runner interface {
	Run(ctx context.Context, sites []site.Site) *aggregator.Pass
}

// TokenTTLSetter receives the token lifetime configured in the sites file
// before every pass.
type TokenTTLSetter interface {
	SetTokenTTL(d time.Duration)
}

// Publisher pushes events to live subscribers.
type Publisher interface {
	Publish(topic, eventType string, payload any) error
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where completed passes are announced.
func WithPublisher(p Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.topic = topic
	}
}

// WithTokenTTLSetter sets the component told about the configured token
// lifetime.
func WithTokenTTLSetter(t TokenTTLSetter) Option {
	return func(s *Service) { s.ttl = t }
}

// Service runs aggregation passes and keeps the latest one.
type Service struct {
	sites     SiteLoader
	runner    Runner
	history   history.Store
	ttl       TokenTTLSetter
	publisher Publisher
	topic     string
	logger    zerolog.Logger

	mu      sync.RWMutex
	latest  *aggregator.Pass
	trigger string
}

func NewService(sites SiteLoader, runner Runner, store history.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		sites:   sites,
		runner:  runner,
		history: store,
		logger:  logger.With().Str("component", "dashboard").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh runs one pass over the configured sites, stores it as the latest
// pass, records it in the history and publishes it. Per-site failures are
// part of the pass; only an unreadable configuration fails the call.
func (s *Service) Refresh(ctx context.Context, trigger string) error {
	doc, err := s.sites.Document(ctx)
	if err != nil {
		s.publish(EventPassFailed, map[string]string{"trigger": trigger, "error": err.Error()})
		return fmt.Errorf("load sites: %w", err)
	}
	if s.ttl != nil {
		s.ttl.SetTokenTTL(doc.TokenTTL())
	}

	pass := s.runner.Run(ctx, doc.Sites)

	// Passes interrupted by Stop are discarded.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	s.latest = pass
	s.trigger = trigger
	s.mu.Unlock()

	if s.history != nil {
		if err := s.history.Record(ctx, history.FromPass(pass, trigger)); err != nil {
			s.logger.Error().Err(err).Str("pass_id", pass.ID.String()).Msg("failed to record pass history")
		}
	}
	s.publish(EventPassCompleted, newPassEvent(pass, trigger))
	return nil
}

// Latest returns the most recent pass and what triggered it, or nil before
// the first pass.
func (s *Service) Latest() (*aggregator.Pass, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.trigger
}

func (s *Service) publish(eventType string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(s.topic, eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// passEvent is the websocket payload for a completed pass. Raw site data is
// left out.
type passEvent struct {
	ID         string      `json:"id"`
	Trigger    string      `json:"trigger"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Total      int         `json:"total"`
	Failed     int         `json:"failed"`
	Sites      []siteCount `json:"sites"`
}

type siteCount struct {
	SiteName string `json:"siteName"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}

func newPassEvent(p *aggregator.Pass, trigger string) passEvent {
	evt := passEvent{
		ID:         p.ID.String(),
		Trigger:    trigger,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
		Total:      p.Total,
		Failed:     p.Failed,
		Sites:      make([]siteCount, 0, len(p.Results)),
	}
	for _, r := range p.Results {
		evt.Sites = append(evt.Sites, siteCount{SiteName: r.SiteName, Count: r.Count, Error: r.Error})
	}
	return evt
}
