package workout

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step holds one interval of a program. Duration is written as a Go duration
// string in YAML, e.g. "90s" or "5m".
type Step struct {
	Duration       time.Duration `yaml:"duration"`
	SpeedKmh       float64       `yaml:"speed_kmh"`
	InclinePercent float64       `yaml:"incline_percent"`
}

// Program is an ordered list of steps run back to back
type Program struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// TotalDuration calculates the total duration of the program
func (p *Program) TotalDuration() time.Duration {
	var total time.Duration
	for _, step := range p.Steps {
		total += step.Duration
	}
	return total
}

// StepAt returns the step running at elapsed and its start offset. ok is
// false once elapsed reaches the end of the program.
func (p *Program) StepAt(elapsed time.Duration) (idx int, start time.Duration, ok bool) {
	for i, step := range p.Steps {
		end := start + step.Duration
		if elapsed < end {
			return i, start, true
		}
		start = end
	}
	return len(p.Steps) - 1, start, false
}

func (p *Program) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, step := range p.Steps {
		if step.Duration <= 0 {
			errs = append(errs, fmt.Errorf("step %d: duration must be positive", i+1))
		}
		if step.SpeedKmh < 0 {
			errs = append(errs, fmt.Errorf("step %d: speed_kmh must not be negative", i+1))
		}
	}
	return errors.Join(errs...)
}

// ParseProgram decodes and validates a YAML program.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid program %q: %w", p.Name, err)
	}
	return &p, nil
}

// LoadProgram reads a YAML program from path.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return ParseProgram(data)
}

// BuiltinPrograms are offered when no program file is configured
var BuiltinPrograms = []Program{
	{
		Name: "Easy 20",
		Steps: []Step{
			{Duration: 5 * time.Minute, SpeedKmh: 5.0, InclinePercent: 1},
			{Duration: 10 * time.Minute, SpeedKmh: 8.0, InclinePercent: 1},
			{Duration: 5 * time.Minute, SpeedKmh: 5.0, InclinePercent: 0},
		},
	},
	{
		Name: "Hill Intervals",
		Steps: []Step{
			{Duration: 5 * time.Minute, SpeedKmh: 5.5, InclinePercent: 1},
			{Duration: 2 * time.Minute, SpeedKmh: 6.0, InclinePercent: 8},
			{Duration: 2 * time.Minute, SpeedKmh: 6.0, InclinePercent: 2},
			{Duration: 2 * time.Minute, SpeedKmh: 6.0, InclinePercent: 10},
			{Duration: 2 * time.Minute, SpeedKmh: 6.0, InclinePercent: 2},
			{Duration: 2 * time.Minute, SpeedKmh: 6.0, InclinePercent: 12},
			{Duration: 5 * time.Minute, SpeedKmh: 5.0, InclinePercent: 0},
		},
	},
	{
		Name: "Speed Ladder",
		Steps: []Step{
			{Duration: 5 * time.Minute, SpeedKmh: 6.0},
			{Duration: 3 * time.Minute, SpeedKmh: 9.0},
			{Duration: 3 * time.Minute, SpeedKmh: 10.5},
			{Duration: 3 * time.Minute, SpeedKmh: 12.0},
			{Duration: 3 * time.Minute, SpeedKmh: 13.5},
			{Duration: 5 * time.Minute, SpeedKmh: 5.5},
		},
	},
}
