package sink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

var _ treadmill.MetricsSink = (*Store)(nil)

// Run is one connected session, from Ready until the link drops.
type Run struct {
	ID             uint `gorm:"primaryKey"`
	Device         string
	StartedAt      time.Time
	EndedAt        *time.Time
	EndReason      string
	Samples        int
	MaxSpeedKmh    float64
	Distance       float64
	CaloriesKcal   int
	ElapsedSeconds int
}

// Sample is one decoded frame. Optional fields are NULL when the frame did not carry them.
type Sample struct {
	ID             uint      `gorm:"primaryKey"`
	RunID          uint      `gorm:"index"`
	At             time.Time `gorm:"index"`
	SpeedKmh       float64
	InclinePercent *float64
	Distance       *float64
	Laps           *int
	CaloriesKcal   *int
	HeartRateBpm   *int
	ElapsedSeconds *int
}

// Store records runs and samples in SQLite.
type Store struct {
	db     *gorm.DB
	device string
	log    *log.Logger
	now    func() time.Time

	mu         sync.Mutex
	run        *Run
	pendingErr error
}

// NewStore opens (or creates) the database at path and migrates the schema.
func NewStore(path, device string, l *log.Logger) (*Store, error) {
	if l == nil {
		panic("Store: logger cannot be nil")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Run{}, &Sample{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, device: device, log: l, now: time.Now}, nil
}

func (s *Store) OnStateChange(state treadmill.ConnectionState) {
	switch state {
	case treadmill.Ready:
		s.startRun()
	case treadmill.Disconnected:
		s.finishRun()
	}
}

func (s *Store) OnTransportError(err error) {
	s.mu.Lock()
	s.pendingErr = err
	s.mu.Unlock()
}

// Decode errors are only counted by other sinks.
func (s *Store) OnDecodeError(error) {}

func (s *Store) OnMetrics(m ftms.TreadmillMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}

	sample := sampleFromMetrics(s.run.ID, s.now(), m)
	if err := s.db.Create(&sample).Error; err != nil {
		s.log.Printf("Store: insert sample: %v", err)
		return
	}

	s.run.Samples++
	if m.InstantaneousSpeedKmh > s.run.MaxSpeedKmh {
		s.run.MaxSpeedKmh = m.InstantaneousSpeedKmh
	}
	if m.HasTotalDistance {
		s.run.Distance = m.TotalDistance
	}
	if m.HasTotalCalories {
		s.run.CaloriesKcal = m.TotalCaloriesKcal
	}
	if m.HasElapsedTime {
		s.run.ElapsedSeconds = m.ElapsedTimeSeconds
	}
}

func (s *Store) startRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	run := &Run{Device: s.device, StartedAt: s.now()}
	if err := s.db.Create(run).Error; err != nil {
		s.log.Printf("Store: create run: %v", err)
		return
	}
	s.run = run
	s.pendingErr = nil
	s.log.Printf("Store: started run %d", run.ID)
}

func (s *Store) finishRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	ended := s.now()
	s.run.EndedAt = &ended
	s.run.EndReason = "disconnected"
	if s.pendingErr != nil {
		s.run.EndReason = s.pendingErr.Error()
	}
	if err := s.db.Save(s.run).Error; err != nil {
		s.log.Printf("Store: finish run %d: %v", s.run.ID, err)
	} else {
		s.log.Printf("Store: finished run %d with %d samples", s.run.ID, s.run.Samples)
	}
	s.run = nil
	s.pendingErr = nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	var runs []Run
	err := s.db.Order("started_at desc").Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// Samples returns the samples of a run in recording order.
func (s *Store) Samples(runID uint) ([]Sample, error) {
	var samples []Sample
	err := s.db.Where("run_id = ?", runID).Order("id").Find(&samples).Error
	return samples, err
}

// Close ends any open run and closes the database.
func (s *Store) Close() error {
	s.finishRun()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sampleFromMetrics(runID uint, at time.Time, m ftms.TreadmillMetrics) Sample {
	sample := Sample{RunID: runID, At: at, SpeedKmh: m.InstantaneousSpeedKmh}
	if m.HasInclination {
		sample.InclinePercent = &m.InclinationPercent
	}
	if m.HasTotalDistance {
		sample.Distance = &m.TotalDistance
	}
	if m.HasLapCount {
		sample.Laps = &m.LapCount
	}
	if m.HasTotalCalories {
		sample.CaloriesKcal = &m.TotalCaloriesKcal
	}
	if m.HasHeartRate {
		sample.HeartRateBpm = &m.HeartRateBpm
	}
	if m.HasElapsedTime {
		sample.ElapsedSeconds = &m.ElapsedTimeSeconds
	}
	return sample
}
