package sink

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

var _ treadmill.MetricsSink = (*LogSink)(nil)

// LogSink writes session activity to a logger. Metrics are logged at most once per interval.
type LogSink struct {
	logger   *log.Logger
	interval time.Duration

	mu      sync.Mutex
	lastLog time.Time
	now     func() time.Time
}

func NewLogSink(logger *log.Logger, interval time.Duration) *LogSink {
	if logger == nil {
		panic("LogSink: logger cannot be nil")
	}
	return &LogSink{logger: logger, interval: interval, now: time.Now}
}

func (s *LogSink) OnMetrics(m ftms.TreadmillMetrics) {
	s.mu.Lock()
	now := s.now()
	due := now.Sub(s.lastLog) >= s.interval
	if due {
		s.lastLog = now
	}
	s.mu.Unlock()
	if due {
		s.logger.Printf("Metrics: %s", FormatMetrics(m))
	}
}

func (s *LogSink) OnDecodeError(err error) {
	s.logger.Printf("Decode error: %v", err)
}

func (s *LogSink) OnStateChange(state treadmill.ConnectionState) {
	s.logger.Printf("State: %v", state)
}

func (s *LogSink) OnTransportError(err error) {
	s.logger.Printf("Transport error, session ended: %v", err)
}

// FormatMetrics renders the present fields of m on one line.
func FormatMetrics(m ftms.TreadmillMetrics) string {
	parts := []string{fmt.Sprintf("speed=%.2fkm/h", m.InstantaneousSpeedKmh)}
	if m.HasInclination {
		parts = append(parts, fmt.Sprintf("incline=%.1f%%", m.InclinationPercent))
	}
	if m.HasTotalDistance {
		parts = append(parts, fmt.Sprintf("distance=%.3f", m.TotalDistance))
	}
	if m.HasLapCount {
		parts = append(parts, fmt.Sprintf("laps=%d", m.LapCount))
	}
	if m.HasTotalCalories {
		parts = append(parts, fmt.Sprintf("calories=%dkcal", m.TotalCaloriesKcal))
	}
	if m.HasHeartRate {
		parts = append(parts, fmt.Sprintf("hr=%dbpm", m.HeartRateBpm))
	}
	if m.HasElapsedTime {
		parts = append(parts, fmt.Sprintf("elapsed=%s", time.Duration(m.ElapsedTimeSeconds)*time.Second))
	}
	return strings.Join(parts, " ")
}
