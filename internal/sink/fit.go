package sink

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

var _ treadmill.MetricsSink = (*FitRecorder)(nil)

// FitRecorder collects one record per frame while a session is Ready and writes
// a treadmill running activity to dir when the session ends.
type FitRecorder struct {
	dir    string
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	recording bool
	startTime time.Time
	records   []*mesgdef.Record
	lastFile  string
}

func NewFitRecorder(dir string, logger *log.Logger) *FitRecorder {
	if logger == nil {
		panic("FitRecorder: logger cannot be nil")
	}
	return &FitRecorder{dir: dir, logger: logger, now: time.Now}
}

func (r *FitRecorder) OnStateChange(state treadmill.ConnectionState) {
	switch state {
	case treadmill.Ready:
		r.mu.Lock()
		if !r.recording {
			r.recording = true
			r.startTime = r.now()
			r.records = nil
		}
		r.mu.Unlock()
	case treadmill.Disconnected:
		if _, err := r.Flush(); err != nil {
			r.logger.Printf("FIT: %v", err)
		}
	}
}

func (r *FitRecorder) OnMetrics(m ftms.TreadmillMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.records = append(r.records, recordFromMetrics(r.now(), m))
}

func (r *FitRecorder) OnDecodeError(error) {}

func (r *FitRecorder) OnTransportError(error) {}

// LastFile returns the path of the most recently written activity.
func (r *FitRecorder) LastFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFile
}

// Flush writes the current activity, if it has any records, and stops recording.
// It returns the written path, or "" when there was nothing to write.
func (r *FitRecorder) Flush() (string, error) {
	r.mu.Lock()
	records := r.records
	start := r.startTime
	wasRecording := r.recording
	r.recording = false
	r.records = nil
	r.mu.Unlock()

	if !wasRecording || len(records) == 0 {
		return "", nil
	}

	path := filepath.Join(r.dir, fmt.Sprintf("treadmill-%s.fit", start.Format("20060102-150405")))
	if err := writeActivity(path, start, r.now(), records); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	r.logger.Printf("FIT: wrote %d records to %s", len(records), path)

	r.mu.Lock()
	r.lastFile = path
	r.mu.Unlock()
	return path, nil
}

func recordFromMetrics(at time.Time, m ftms.TreadmillMetrics) *mesgdef.Record {
	// km/h -> mm/s
	rec := &mesgdef.Record{
		Timestamp:     at,
		EnhancedSpeed: uint32(math.Round(m.InstantaneousSpeedKmh / 3.6 * 1000)),
	}
	if m.HasTotalDistance {
		// km -> cm
		rec.Distance = uint32(math.Round(m.TotalDistance * 1000 * 100))
	}
	if m.HasInclination {
		rec.Grade = int16(math.Round(m.InclinationPercent * 100))
	}
	if m.HasHeartRate {
		rec.HeartRate = uint8(m.HeartRateBpm)
	}
	if m.HasTotalCalories {
		rec.Calories = uint16(m.TotalCaloriesKcal)
	}
	return rec
}

func writeActivity(path string, start, end time.Time, records []*mesgdef.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fit := proto.FIT{}

	fileId := mesgdef.FileId{
		Type:         typedef.FileActivity,
		Manufacturer: typedef.ManufacturerDevelopment,
		TimeCreated:  start,
	}
	fit.Messages = append(fit.Messages, fileId.ToMesg(nil))

	for _, rec := range records {
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	summary := summarize(records)
	elapsedMs := uint32(end.Sub(start).Milliseconds())

	event := mesgdef.Event{
		Timestamp: end,
		Event:     typedef.EventTimer,
		EventType: typedef.EventTypeStopAll,
	}
	fit.Messages = append(fit.Messages, event.ToMesg(nil))

	lap := mesgdef.Lap{
		Timestamp:        end,
		StartTime:        start,
		TotalElapsedTime: elapsedMs,
		TotalTimerTime:   elapsedMs,
		TotalDistance:    summary.distance,
		TotalCalories:    summary.calories,
		Event:            typedef.EventLap,
		EventType:        typedef.EventTypeStop,
	}
	fit.Messages = append(fit.Messages, lap.ToMesg(nil))

	session := mesgdef.Session{
		Timestamp:        end,
		StartTime:        start,
		TotalElapsedTime: elapsedMs,
		TotalTimerTime:   elapsedMs,
		TotalDistance:    summary.distance,
		TotalCalories:    summary.calories,
		AvgHeartRate:     summary.avgHeartRate,
		MaxHeartRate:     summary.maxHeartRate,
		Sport:            typedef.SportRunning,
		SubSport:         typedef.SubSportTreadmill,
		Event:            typedef.EventSession,
		EventType:        typedef.EventTypeStop,
		Trigger:          typedef.SessionTriggerActivityEnd,
	}
	fit.Messages = append(fit.Messages, session.ToMesg(nil))

	if err := encoder.New(f).Encode(&fit); err != nil {
		return err
	}
	return f.Close()
}

type activitySummary struct {
	distance     uint32
	calories     uint16
	avgHeartRate uint8
	maxHeartRate uint8
}

func summarize(records []*mesgdef.Record) activitySummary {
	var s activitySummary
	var hrSum, hrCount int
	for _, rec := range records {
		if rec.Distance > s.distance {
			s.distance = rec.Distance
		}
		if rec.Calories > s.calories {
			s.calories = rec.Calories
		}
		if rec.HeartRate > 0 {
			hrSum += int(rec.HeartRate)
			hrCount++
			if rec.HeartRate > s.maxHeartRate {
				s.maxHeartRate = rec.HeartRate
			}
		}
	}
	if hrCount > 0 {
		s.avgHeartRate = uint8(hrSum / hrCount)
	}
	return s
}
