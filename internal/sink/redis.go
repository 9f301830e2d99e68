package sink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

var _ treadmill.MetricsSink = (*RedisSink)(nil)

const redisWriteTimeout = 2 * time.Second

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string // hash holding the latest values, also the pub/sub channel
}

// RedisSink keeps the latest metrics in a hash and publishes each change as
// "field:value" on a channel of the same name.
type RedisSink struct {
	client *redis.Client
	key    string
	logger *log.Logger
}

// NewRedisSink connects and pings the server.
func NewRedisSink(opts RedisOptions, logger *log.Logger) (*RedisSink, error) {
	if logger == nil {
		panic("RedisSink: logger cannot be nil")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisSink{client: client, key: opts.Key, logger: logger}, nil
}

func (s *RedisSink) OnMetrics(m ftms.TreadmillMetrics) {
	if err := s.writeAndPublish(metricsFields(m)); err != nil {
		s.logger.Printf("Redis: write metrics: %v", err)
	}
}

func (s *RedisSink) OnDecodeError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := s.client.HIncrBy(ctx, s.key, "decode_errors", 1).Err(); err != nil {
		s.logger.Printf("Redis: count decode error: %v", err)
	}
}

func (s *RedisSink) OnStateChange(state treadmill.ConnectionState) {
	if err := s.writeAndPublish([]field{{"state", state.String()}}); err != nil {
		s.logger.Printf("Redis: write state: %v", err)
	}
}

func (s *RedisSink) OnTransportError(err error) {
	if werr := s.writeAndPublish([]field{{"last_error", err.Error()}}); werr != nil {
		s.logger.Printf("Redis: write error: %v", werr)
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

type field struct {
	name  string
	value string
}

func (s *RedisSink) writeAndPublish(fields []field) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	values := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		values = append(values, f.name, f.value)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key, values...)
	for _, f := range fields {
		pipe.Publish(ctx, s.key, fmt.Sprintf("%s:%s", f.name, f.value))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// metricsFields maps the present fields of m to hash fields.
func metricsFields(m ftms.TreadmillMetrics) []field {
	fields := []field{{"speed_kmh", formatFloat(m.InstantaneousSpeedKmh, 2)}}
	if m.HasInclination {
		fields = append(fields, field{"incline_percent", formatFloat(m.InclinationPercent, 1)})
	}
	if m.HasTotalDistance {
		fields = append(fields,
			field{"distance", formatFloat(m.TotalDistance, 3)},
			field{"distance_raw", strconv.FormatUint(uint64(m.TotalDistanceRaw), 10)})
	}
	if m.HasLapCount {
		fields = append(fields, field{"laps", strconv.Itoa(m.LapCount)})
	}
	if m.HasTotalCalories {
		fields = append(fields, field{"calories_kcal", strconv.Itoa(m.TotalCaloriesKcal)})
	}
	if m.HasHeartRate {
		fields = append(fields, field{"heart_rate_bpm", strconv.Itoa(m.HeartRateBpm)})
	}
	if m.HasElapsedTime {
		fields = append(fields, field{"elapsed_s", strconv.Itoa(m.ElapsedTimeSeconds)})
	}
	return fields
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
