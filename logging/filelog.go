package logging

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"edgewaf/waf"
)

// eventLogEntry is the JSON-lines wire format of the event log file.
type eventLogEntry struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenantId"`
	RuleID         string  `json:"ruleId,omitempty"`
	EventType      string  `json:"eventType"`
	Severity       string  `json:"severity"`
	Action         string  `json:"action"`
	SourceIP       string  `json:"sourceIp"`
	Method         string  `json:"method"`
	URL            string  `json:"url"`
	MatchedPattern string  `json:"matchedPattern,omitempty"`
	AnomalyScore   float64 `json:"anomalyScore,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

type fileEventSink struct {
	logger       zerolog.Logger
	out          io.WriteCloser
	writelogline chan []byte
	done         chan struct{}
}

// NewFileEventSink creates a sink that appends one JSON line per event to a
// size-rotated log file. Call Close to flush and stop the writer.
func NewFileEventSink(logger zerolog.Logger, path string, maxSizeMB, maxBackups int) *fileEventSink {
	s := &fileEventSink{
		logger: logger,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
		writelogline: make(chan []byte, 256),
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *fileEventSink) writeLoop() {
	defer close(s.done)
	for line := range s.writelogline {
		if _, err := s.out.Write(append(line, '\n')); err != nil {
			s.logger.Error().Err(err).Msg("failed to write event log line")
		}
	}
}

func (s *fileEventSink) WriteEvent(event waf.SecurityEvent) {
	entry := eventLogEntry{
		ID:             event.ID,
		TenantID:       event.TenantID,
		RuleID:         event.RuleID,
		EventType:      event.EventType,
		Severity:       event.Severity,
		Action:         event.Action,
		SourceIP:       event.SourceIP,
		Method:         event.Method,
		URL:            event.URL,
		MatchedPattern: event.MatchedPattern,
		AnomalyScore:   event.AnomalyScore,
		Timestamp:      event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal event log entry")
		return
	}

	// Drop rather than block the request path when the writer is behind.
	select {
	case s.writelogline <- line:
	default:
		s.logger.Warn().Msg("event log writer backlogged, event dropped")
	}
}

func (s *fileEventSink) Close() (err error) {
	close(s.writelogline)
	<-s.done
	return s.out.Close()
}
