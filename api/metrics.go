package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type requestMetrics struct {
	logger       *log.Logger
	route        string
	start        time.Time
	authDuration time.Duration
	loadDuration time.Duration
	saveDuration time.Duration
	retries      int
	errorStage   string
}

func newRequestMetrics(logger *log.Logger, route string) *requestMetrics {
	return &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveLoad(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.loadDuration = duration
}

func (m *requestMetrics) ObserveSave(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.saveDuration = duration
}

func (m *requestMetrics) SetRetries(n int) {
	if n < 0 {
		n = 0
	}
	m.retries = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.loadDuration > 0 {
		fields["load_ms"] = durationToMillis(m.loadDuration)
	}
	if m.saveDuration > 0 {
		fields["save_ms"] = durationToMillis(m.saveDuration)
	}
	if m.retries > 0 {
		fields["retries"] = m.retries
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("request completed with error")
		return
	}
	entry.Info("request completed")
}

func durationToMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
