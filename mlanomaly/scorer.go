package mlanomaly

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

const defaultModelCacheTTL = 5 * time.Minute

// Scorer is the anomaly scoring engine plus the invalidation hook the
// model-training collaborator calls when it activates a new model version.
type Scorer interface {
	waf.AnomalyScorer
	waf.CacheInvalidator
}

type cachedDetector struct {
	detector *detector
	version  int
	expires  time.Time
}

type scorerImpl struct {
	logger zerolog.Logger
	store  waf.AnomalyModelStore
	ttl    time.Duration
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedDetector
}

// NewScorer creates an anomaly scorer that loads each tenant's active model
// through the store and caches the deserialized detector.
func NewScorer(logger zerolog.Logger, store waf.AnomalyModelStore) Scorer {
	return &scorerImpl{
		logger: logger,
		store:  store,
		ttl:    defaultModelCacheTTL,
		clock:  time.Now,
		cache:  make(map[string]cachedDetector),
	}
}

func (s *scorerImpl) ScoreRequest(logger zerolog.Logger, tenant *waf.Tenant, req waf.HTTPRequest) (score float64, isAnomaly bool, signature string) {
	signature = RequestSignature(req)
	features := ExtractFeatures(req)

	d := s.detectorForTenant(logger, tenant.ID)
	if d == nil {
		// No trained baseline; record features so a future training run
		// has material to learn from.
		if logger.Debug() != nil {
			logger.Debug().
				Str("signature", signature).
				Interface("features", features).
				Msg("no active anomaly model, baseline features recorded")
		}
		return
	}

	score, isAnomaly = d.score(features)
	if isAnomaly && logger.Info() != nil {
		logger.Info().
			Float64("anomalyScore", score).
			Str("signature", signature).
			Msg("request scored as anomalous")
	}
	return
}

func (s *scorerImpl) detectorForTenant(logger zerolog.Logger, tenantID string) *detector {
	now := s.clock()

	s.mu.RLock()
	cached, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && now.Before(cached.expires) {
		return cached.detector
	}

	entry := cachedDetector{expires: now.Add(s.ttl)}
	model, err := s.store.ActiveModel(tenantID)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("anomaly model load failed, scoring disabled for now")
		// Keep whatever we had rather than flapping to neutral.
		if ok {
			entry.detector = cached.detector
			entry.version = cached.version
		}
	case model == nil:
		// No model trained yet; cache the absence too.
	default:
		d, derr := decodeDetector(model.Blob)
		if derr != nil {
			logger.Warn().Err(derr).Int("version", model.Version).Msg("corrupt anomaly model, scoring disabled")
		} else {
			entry.detector = d
			entry.version = model.Version
		}
	}

	s.mu.Lock()
	s.cache[tenantID] = entry
	s.mu.Unlock()
	return entry.detector
}

func (s *scorerImpl) Invalidate(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, tenantID)
}

func (s *scorerImpl) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedDetector)
}
