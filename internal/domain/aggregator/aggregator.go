package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mhlink/kpi/internal/domain/patientcount"
	"github.com/mhlink/kpi/internal/domain/site"
	"github.com/mhlink/kpi/internal/platform/mhlink"
)

// Fetcher retrieves the raw patient listing of one site.
type Fetcher interface {
	FetchPatients(ctx context.Context, t mhlink.Target) (json.RawMessage, error)
}

// SiteResult is the outcome of one site in a pass. Exactly one of Data and
// Error is set.
type SiteResult struct {
	SiteName   string          `json:"siteName"`
	BaseURL    string          `json:"baseUrl"`
	Count      int             `json:"count"`
	Rule       string          `json:"rule,omitempty"`
	Shape      string          `json:"shape,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// OK reports whether the site produced data.
func (r SiteResult) OK() bool { return r.Error == "" }

// Pass is one aggregation run over every configured site.
type Pass struct {
	ID         uuid.UUID    `json:"id"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Results    []SiteResult `json:"results"`
	Total      int          `json:"total"`
	Failed     int          `json:"failed"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNormalizer replaces the default counting rules.
func WithNormalizer(n *patientcount.Normalizer) Option {
	return func(a *Aggregator) { a.normalizer = n }
}

// WithClock sets the time source used for pass timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

type Aggregator struct {
	fetcher    Fetcher
	normalizer *patientcount.Normalizer
	logger     zerolog.Logger
	now        func() time.Time
}

func New(fetcher Fetcher, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher:    fetcher,
		normalizer: patientcount.Default(),
		logger:     logger.With().Str("component", "aggregator").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes RunAll and wraps the results in a Pass.
func (a *Aggregator) Run(ctx context.Context, sites []site.Site) *Pass {
	p := &Pass{ID: uuid.New(), StartedAt: a.now()}
	logger := a.logger.With().Str("pass_id", p.ID.String()).Logger()

	p.Results = a.runAll(ctx, logger, sites)
	p.FinishedAt = a.now()
	for _, r := range p.Results {
		p.Total += r.Count
		if !r.OK() {
			p.Failed++
		}
	}

	logger.Info().
		Int("sites", len(sites)).
		Int("failed", p.Failed).
		Int("total", p.Total).
		Dur("duration", p.FinishedAt.Sub(p.StartedAt)).
		Msg("aggregation pass finished")
	return p
}

// RunAll queries every site in order and returns one result per site. It
// never fails; a site error is recorded in its result and the next site is
// still queried.
func (a *Aggregator) RunAll(ctx context.Context, sites []site.Site) []SiteResult {
	return a.runAll(ctx, a.logger, sites)
}

func (a *Aggregator) runAll(ctx context.Context, logger zerolog.Logger, sites []site.Site) []SiteResult {
	results := make([]SiteResult, 0, len(sites))
	for _, st := range sites {
		results = append(results, a.runOne(ctx, logger, st))
	}
	return results
}

func (a *Aggregator) runOne(ctx context.Context, logger zerolog.Logger, st site.Site) SiteResult {
	start := a.now()
	res := SiteResult{SiteName: st.Name, BaseURL: st.BaseURL}

	data, err := a.fetcher.FetchPatients(ctx, Target(st))
	res.DurationMs = a.now().Sub(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		logger.Warn().Err(err).Str("site", st.Name).Msg("site query failed")
		return res
	}

	decoded, err := patientcount.Decode(data)
	if err != nil {
		res.Error = (&mhlink.ParseError{Site: st.Name, URL: mhlink.ResolveURL(st.BaseURL, st.PatientsURL), Err: err}).Error()
		logger.Warn().Err(err).Str("site", st.Name).Msg("site returned undecodable JSON")
		return res
	}
	res.Count, res.Rule = a.normalizer.Explain(decoded)
	res.Shape = patientcount.DescribeShape(data)
	res.Data = data
	logger.Debug().Str("site", st.Name).Int("count", res.Count).Str("rule", res.Rule).Msg("site counted")
	return res
}

// Target converts a stored site into upstream connection data.
func Target(st site.Site) mhlink.Target {
	return mhlink.Target{
		Name:        st.Name,
		BaseURL:     st.BaseURL,
		Username:    st.Username,
		Password:    st.Password,
		TokenURL:    st.TokenURL,
		PatientsURL: st.PatientsURL,
	}
}
