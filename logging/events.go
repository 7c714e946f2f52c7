// Package logging provides the EventSink implementations the pipeline
// writes SecurityEvents through: a zerolog sink for operators and a
// rotated JSON-lines file sink for downstream reporting.
package logging

import (
	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// NewZerologEventSink creates a sink that emits each SecurityEvent as a
// structured log line on the process logger.
func NewZerologEventSink(logger zerolog.Logger) waf.EventSink {
	return &zerologEventSink{logger: logger}
}

type zerologEventSink struct {
	logger zerolog.Logger
}

func (s *zerologEventSink) WriteEvent(event waf.SecurityEvent) {
	e := s.logger.Info().
		Str("eventID", event.ID).
		Str("tenantID", event.TenantID).
		Str("eventType", event.EventType).
		Str("severity", event.Severity).
		Str("action", event.Action).
		Str("sourceIP", event.SourceIP).
		Str("method", event.Method).
		Str("url", event.URL).
		Time("timestamp", event.Timestamp)
	if event.RuleID != "" {
		e = e.Str("ruleID", event.RuleID)
	}
	if event.MatchedPattern != "" {
		e = e.Str("matchedPattern", event.MatchedPattern)
	}
	if event.AnomalyScore > 0 {
		e = e.Float64("anomalyScore", event.AnomalyScore)
	}
	e.Msg("security event")
}

// MultiSink fans one event out to several sinks.
func MultiSink(sinks ...waf.EventSink) waf.EventSink {
	return multiSink(sinks)
}

type multiSink []waf.EventSink

func (m multiSink) WriteEvent(event waf.SecurityEvent) {
	for _, s := range m {
		s.WriteEvent(event)
	}
}
