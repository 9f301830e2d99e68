package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/workout"
)

// formatMetricsPanel formats the latest treadmill data for the metrics panel
func formatMetricsPanel(status Status) string {
	if !status.HasMetrics {
		return "\n\n  [yellow]Treadmill[white]\n\n  Press [yellow]C[white] to scan and connect\n  to see live metrics here."
	}

	m := status.Metrics
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Speed:      [yellow]%.1f[white] km/h\n\n", m.InstantaneousSpeedKmh)
	if m.HasInclination {
		fmt.Fprintf(&b, "  Incline:    [yellow]%.1f[white] %%\n\n", m.InclinationPercent)
	}
	if m.HasTotalDistance {
		fmt.Fprintf(&b, "  Distance:   [yellow]%.2f[white] km\n\n", m.TotalDistance)
	}
	if m.HasLapCount {
		fmt.Fprintf(&b, "  Laps:       [yellow]%d[white]\n\n", m.LapCount)
	}
	if m.HasTotalCalories {
		fmt.Fprintf(&b, "  Calories:   [yellow]%d[white] kcal\n\n", m.TotalCaloriesKcal)
	}
	if m.HasHeartRate {
		fmt.Fprintf(&b, "  [red]Heart Rate:[white] [yellow]%d[white] bpm\n\n", m.HeartRateBpm)
	}
	if m.HasElapsedTime {
		fmt.Fprintf(&b, "  Elapsed:    [yellow]%s[white]\n\n", formatDurationMMSS(time.Duration(m.ElapsedTimeSeconds)*time.Second))
	}
	if status.State != treadmill.Ready {
		b.WriteString("  [gray](last known values)[white]\n")
	}
	return b.String()
}

// formatControlsPanel formats the connection state, the control targets and the key help
func formatControlsPanel(status Status, speedKmh, inclinePercent float64) string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %s %s\n", stateMarker(status.State), status.State)
	if status.LastError != "" {
		fmt.Fprintf(&b, "  [red]%s[white]\n", status.LastError)
	}
	if status.DecodeErrors > 0 {
		fmt.Fprintf(&b, "  [gray]Bad frames:[white] %d\n", status.DecodeErrors)
	}
	if status.LastResponse != "" {
		fmt.Fprintf(&b, "  [gray]Last response:[white] %s\n", status.LastResponse)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Target speed:   [yellow]%.1f[white] km/h\n", speedKmh)
	fmt.Fprintf(&b, "  Target incline: [yellow]%.1f[white] %%\n\n", inclinePercent)
	b.WriteString("  [yellow]↑[white]/[yellow]↓[white] Speed  [yellow]←[white]/[yellow]→[white] Incline\n")
	b.WriteString("  [yellow]S[white] Start  [yellow]X[white] Stop  [yellow]1-4[white] Speed presets  [yellow]5-8[white] Incline presets\n")
	b.WriteString("  [yellow]C[white] Scan/Disconnect  [yellow]Esc[white] Quit\n")
	return b.String()
}

func stateMarker(state treadmill.ConnectionState) string {
	switch state {
	case treadmill.Ready:
		return "[green]●[white]"
	case treadmill.Disconnected:
		return "[gray]●[white]"
	default:
		return "[yellow]●[white]"
	}
}

// formatWorkoutPanel formats the workout state
func formatWorkoutPanel(state workout.State) string {
	if state.Program == nil || state.Status == workout.StatusIdle {
		return "\n  [gray]No workout loaded[white]\n\n  Press [yellow]P[white] to pick a program.\n"
	}

	p := state.Program
	var b strings.Builder
	b.WriteString("\n")
	switch state.Status {
	case workout.StatusReady:
		fmt.Fprintf(&b, "  [yellow]%s[white]\n\n", p.Name)
		fmt.Fprintf(&b, "  [gray]Duration:[white] %s\n", formatDuration(p.TotalDuration()))
		fmt.Fprintf(&b, "  [gray]Steps:[white] %d\n\n", len(p.Steps))
		for i, step := range p.Steps {
			fmt.Fprintf(&b, "    %d. %.1f km/h at %.1f%% for %s\n", i+1, step.SpeedKmh, step.InclinePercent, formatDurationMMSS(step.Duration))
		}
		b.WriteString("\n  [green]Ready to start[white]\n\n  [yellow]W[white] Start  |  [yellow]P[white] Next program\n")
		return b.String()
	case workout.StatusFinished:
		fmt.Fprintf(&b, "  [yellow]%s[white] [green](FINISHED)[white]\n\n", p.Name)
		fmt.Fprintf(&b, "  [gray]Total:[white] %s\n\n", formatDurationMMSS(state.Elapsed))
		b.WriteString("  [yellow]W[white] Restart  |  [yellow]P[white] Next program\n")
		return b.String()
	}

	paused := state.Status == workout.StatusPaused
	if paused {
		fmt.Fprintf(&b, "  [yellow]%s[white] [gray](PAUSED)[white]\n\n", p.Name)
	} else {
		fmt.Fprintf(&b, "  [yellow]%s[white]\n\n", p.Name)
	}
	fmt.Fprintf(&b, "  [gray]Elapsed:[white]   %s\n", formatDurationMMSS(state.Elapsed))
	fmt.Fprintf(&b, "  [gray]Remaining:[white] %s\n\n", formatDurationMMSS(state.Remaining))

	fmt.Fprintf(&b, "  [cyan]Step[white] (%d/%d)\n", state.StepIndex+1, len(p.Steps))
	fmt.Fprintf(&b, "  [gray]Step Time:[white] %s / %s\n", formatDurationMMSS(state.StepElapsed), formatDurationMMSS(p.Steps[state.StepIndex].Duration))
	fmt.Fprintf(&b, "  Target: [yellow]%.1f[white] km/h at [yellow]%.1f[white] %%\n", state.TargetSpeedKmh, state.TargetInclinePercent)
	if state.PendingCommands > 0 {
		fmt.Fprintf(&b, "  [red]%d command(s) waiting for the treadmill[white]\n", state.PendingCommands)
	}

	if next := state.StepIndex + 1; next < len(p.Steps) {
		step := p.Steps[next]
		fmt.Fprintf(&b, "\n  [gray]Next Step:[white]\n    [gray]%.1f km/h at %.1f%% for %s[white]\n", step.SpeedKmh, step.InclinePercent, formatDurationMMSS(step.Duration))
	} else {
		b.WriteString("\n  [gray]Next Step:[white] [green]Finish![white]\n")
	}

	if paused {
		b.WriteString("\n  [yellow]W[white] Resume  |  [yellow]X[white] Stop\n")
	} else {
		b.WriteString("\n  [yellow]W[white] Pause  |  [yellow]X[white] Stop\n")
	}
	return b.String()
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	if minutes >= 60 {
		hours := minutes / 60
		mins := minutes % 60
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%d min", minutes)
}

// formatDurationMMSS formats a duration as MM:SS
func formatDurationMMSS(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", totalSeconds/60, totalSeconds%60)
}
