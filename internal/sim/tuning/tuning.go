package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"netplay.ai/internal/sim/kinematic"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	FixedStepMs           int `yaml:"fixed_step_ms"`
	TickWindowMs          int `yaml:"tick_window_ms"`
	ClientSendIntervalMs  int `yaml:"client_send_interval_ms"`
	ServerSendIntervalMs  int `yaml:"server_send_interval_ms"`
	RenderBufferDelayMs   int `yaml:"render_buffer_delay_ms"`
	LagCompensationHistMs int `yaml:"lag_compensation_history_ms"`

	MaxServerCommandCatchup    int     `yaml:"max_server_command_catchup"`
	MaxServerCommandPrediction int     `yaml:"max_server_command_prediction"`
	ReconciliationTolerance    float64 `yaml:"reconciliation_tolerance"`
	InputResendCount           int     `yaml:"input_resend_count"`
	HistorySeconds             float64 `yaml:"history_seconds"`

	Gravity   float64          `yaml:"gravity"`
	Bounds    kinematic.Bounds `yaml:"bounds"`
	Character kinematic.Params `yaml:"character"`

	CheckpointEveryTicks int `yaml:"checkpoint_every_ticks"`
	JournalSegmentTicks  int `yaml:"journal_segment_ticks"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:            "1.0",
		FixedStepMs:                20,
		TickWindowMs:               1000,
		ClientSendIntervalMs:       40,
		ServerSendIntervalMs:       60,
		RenderBufferDelayMs:        100,
		LagCompensationHistMs:      1000,
		MaxServerCommandCatchup:    2,
		MaxServerCommandPrediction: 1,
		ReconciliationTolerance:    0.01,
		InputResendCount:           2,
		HistorySeconds:             1,
		Gravity:                    20,
		Bounds:                     kinematic.Bounds{Floor: 0, HalfExtentX: 50, HalfExtentZ: 50},
		Character:                  kinematic.DefaultParams(),
		CheckpointEveryTicks:       3000,
		JournalSegmentTicks:        3000,
	}
}

// Load reads a tuning file over Defaults: absent keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %d)", name, v))
		}
	}
	positive("fixed_step_ms", t.FixedStepMs)
	positive("tick_window_ms", t.TickWindowMs)
	positive("client_send_interval_ms", t.ClientSendIntervalMs)
	positive("server_send_interval_ms", t.ServerSendIntervalMs)
	positive("lag_compensation_history_ms", t.LagCompensationHistMs)
	if t.RenderBufferDelayMs < 0 {
		errs = append(errs, fmt.Errorf("render_buffer_delay_ms must be >= 0"))
	}
	if t.MaxServerCommandCatchup < 0 || t.MaxServerCommandPrediction < 0 || t.InputResendCount < 0 {
		errs = append(errs, fmt.Errorf("catchup, prediction and resend counts must be >= 0"))
	}
	if t.ReconciliationTolerance <= 0 {
		errs = append(errs, fmt.Errorf("reconciliation_tolerance must be > 0"))
	}
	if t.HistorySeconds <= 0 {
		errs = append(errs, fmt.Errorf("history_seconds must be > 0"))
	}
	// Predicted states older than the tick window cannot be resimulated.
	if t.TickWindowMs > 0 && t.HistorySeconds*1000 > float64(t.TickWindowMs) {
		errs = append(errs, fmt.Errorf("history_seconds (%g) exceeds tick_window_ms (%d)", t.HistorySeconds, t.TickWindowMs))
	}
	if t.FixedStepMs > 0 && t.ClientSendIntervalMs < t.FixedStepMs {
		errs = append(errs, fmt.Errorf("client_send_interval_ms (%d) shorter than fixed_step_ms (%d)", t.ClientSendIntervalMs, t.FixedStepMs))
	}
	if t.Character.Speed < 0 || t.Character.Radius <= 0 {
		errs = append(errs, fmt.Errorf("character speed must be >= 0 and radius > 0"))
	}
	return errors.Join(errs...)
}

func ms(v int) float64 { return float64(v) / 1000 }

func (t Tuning) FixedStep() float64          { return ms(t.FixedStepMs) }
func (t Tuning) TickWindow() float64         { return ms(t.TickWindowMs) }
func (t Tuning) ClientSendInterval() float64 { return ms(t.ClientSendIntervalMs) }
func (t Tuning) ServerSendInterval() float64 { return ms(t.ServerSendIntervalMs) }
func (t Tuning) RenderBufferDelay() float64  { return ms(t.RenderBufferDelayMs) }
func (t Tuning) LagCompensationHistory() float64 {
	return ms(t.LagCompensationHistMs)
}

// TickInterval is the wall-clock period of one fixed step.
func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.FixedStepMs) * time.Millisecond
}
