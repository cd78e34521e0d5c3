package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for navigation tuning
// parameters. The schema matches the /api/params endpoint so the same JSON
// can be used for both startup configuration and runtime updates. All fields
// are pointers; omitted fields fall back to the defaults returned by the
// Get* accessors.
type TuningConfig struct {
	// Cycle rates (Hz)
	FusionRateHz  *float64 `json:"fusion_rate_hz,omitempty"`
	PlannerRateHz *float64 `json:"planner_rate_hz,omitempty"`
	CostmapRateHz *float64 `json:"costmap_rate_hz,omitempty"`
	MissionRateHz *float64 `json:"mission_rate_hz,omitempty"`
	SafetyRateHz  *float64 `json:"safety_rate_hz,omitempty"`

	// Estimator params
	SensorStaleTimeout  *string  `json:"sensor_stale_timeout,omitempty"` // duration string like "200ms"
	ProcessNoisePos     *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseHeading *float64 `json:"process_noise_heading,omitempty"`
	ProcessNoiseVel     *float64 `json:"process_noise_vel,omitempty"`
	ProcessNoiseOmega   *float64 `json:"process_noise_omega,omitempty"`
	MeasNoiseScanPose   *float64 `json:"meas_noise_scan_pose,omitempty"`
	MeasNoiseGyro       *float64 `json:"meas_noise_gyro,omitempty"`
	MeasNoiseEncoder    *float64 `json:"meas_noise_encoder,omitempty"`
	MaxPredictDt        *float64 `json:"max_predict_dt,omitempty"`
	MaxCovarianceDiag   *float64 `json:"max_covariance_diag,omitempty"`

	// Costmap params
	CostmapResolution      *float64 `json:"costmap_resolution,omitempty"` // metres per cell
	CostmapSizeCells       *int     `json:"costmap_size_cells,omitempty"` // cells per side
	ObstacleInflationM     *float64 `json:"obstacle_inflation_m,omitempty"`
	LaneBoundaryCost       *float64 `json:"lane_boundary_cost,omitempty"`
	OccupiedCostThreshold  *float64 `json:"occupied_cost_threshold,omitempty"`
	MaxRangeM              *float64 `json:"max_range_m,omitempty"`
	MinObstacleReturnRange *float64 `json:"min_obstacle_return_range,omitempty"`

	// Planner params
	PlannerHorizonSecs *float64 `json:"planner_horizon_secs,omitempty"`
	PlannerDtSecs      *float64 `json:"planner_dt_secs,omitempty"`
	MaxSpeedMps        *float64 `json:"max_speed_mps,omitempty"`
	MaxOmegaRadps      *float64 `json:"max_omega_radps,omitempty"`
	MaxAccelMps2       *float64 `json:"max_accel_mps2,omitempty"`
	MaxOmegaAccel      *float64 `json:"max_omega_accel,omitempty"`
	VelocitySamples    *int     `json:"velocity_samples,omitempty"`
	OmegaSamples       *int     `json:"omega_samples,omitempty"`
	WeightProgress     *float64 `json:"weight_progress,omitempty"`
	WeightClearance    *float64 `json:"weight_clearance,omitempty"`
	WeightSmoothness   *float64 `json:"weight_smoothness,omitempty"`
	GoalToleranceM     *float64 `json:"goal_tolerance_m,omitempty"`

	// Drive params
	ModeSwitchSpeedThreshold *float64 `json:"mode_switch_speed_threshold,omitempty"` // m/s
	TransitionTimeout        *string  `json:"transition_timeout,omitempty"`          // duration string like "2s"
	ChassisHalfLengthM       *float64 `json:"chassis_half_length_m,omitempty"`
	ChassisHalfWidthM        *float64 `json:"chassis_half_width_m,omitempty"`
	MaxWheelSpeedMps         *float64 `json:"max_wheel_speed_mps,omitempty"`
	SteerAlignToleranceRad   *float64 `json:"steer_align_tolerance_rad,omitempty"`

	// Mission params
	DwellTime                *string  `json:"dwell_time,omitempty"`                 // duration string like "3s"
	MarkerConfirmationWindow *string  `json:"marker_confirmation_window,omitempty"` // duration string
	MarkerMinConfidence      *float64 `json:"marker_min_confidence,omitempty"`

	// Safety params
	WatchdogMissThreshold *int    `json:"watchdog_miss_threshold,omitempty"`
	HeartbeatInterval     *string `json:"heartbeat_interval,omitempty"` // duration string like "20ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded — intended
// for test setup and binaries that have already validated availability.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/nav/<pkg>/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks ranges on all set fields. Nil fields are skipped: they
// fall back to defaults which are valid by construction.
func (c *TuningConfig) Validate() error {
	positive := func(name string, v *float64) error {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
		return nil
	}
	for _, check := range []struct {
		name string
		v    *float64
	}{
		{"fusion_rate_hz", c.FusionRateHz},
		{"planner_rate_hz", c.PlannerRateHz},
		{"costmap_rate_hz", c.CostmapRateHz},
		{"mission_rate_hz", c.MissionRateHz},
		{"safety_rate_hz", c.SafetyRateHz},
		{"costmap_resolution", c.CostmapResolution},
		{"planner_horizon_secs", c.PlannerHorizonSecs},
		{"planner_dt_secs", c.PlannerDtSecs},
		{"max_speed_mps", c.MaxSpeedMps},
		{"max_omega_radps", c.MaxOmegaRadps},
		{"max_accel_mps2", c.MaxAccelMps2},
		{"chassis_half_length_m", c.ChassisHalfLengthM},
		{"chassis_half_width_m", c.ChassisHalfWidthM},
		{"mode_switch_speed_threshold", c.ModeSwitchSpeedThreshold},
	} {
		if err := positive(check.name, check.v); err != nil {
			return err
		}
	}

	if c.GetPlannerHorizonSecs() < c.GetPlannerDtSecs() {
		return fmt.Errorf("planner_horizon_secs (%v) must be at least planner_dt_secs (%v)",
			c.GetPlannerHorizonSecs(), c.GetPlannerDtSecs())
	}
	if c.CostmapSizeCells != nil && *c.CostmapSizeCells < 10 {
		return fmt.Errorf("costmap_size_cells must be at least 10, got %d", *c.CostmapSizeCells)
	}
	if c.VelocitySamples != nil && *c.VelocitySamples < 2 {
		return fmt.Errorf("velocity_samples must be at least 2, got %d", *c.VelocitySamples)
	}
	if c.OmegaSamples != nil && *c.OmegaSamples < 3 {
		return fmt.Errorf("omega_samples must be at least 3, got %d", *c.OmegaSamples)
	}
	if c.WatchdogMissThreshold != nil && *c.WatchdogMissThreshold < 1 {
		return fmt.Errorf("watchdog_miss_threshold must be at least 1, got %d", *c.WatchdogMissThreshold)
	}
	if c.MarkerMinConfidence != nil && (*c.MarkerMinConfidence < 0 || *c.MarkerMinConfidence > 1) {
		return fmt.Errorf("marker_min_confidence must be in [0,1], got %v", *c.MarkerMinConfidence)
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"sensor_stale_timeout", c.SensorStaleTimeout},
		{"transition_timeout", c.TransitionTimeout},
		{"dwell_time", c.DwellTime},
		{"marker_confirmation_window", c.MarkerConfirmationWindow},
		{"heartbeat_interval", c.HeartbeatInterval},
	} {
		if d.v == nil {
			continue
		}
		if _, err := time.ParseDuration(*d.v); err != nil {
			return fmt.Errorf("%s is not a valid duration: %w", d.name, err)
		}
	}

	return nil
}

// Merge overlays non-nil fields of other onto c. Used by the runtime params
// endpoint to apply partial updates.
func (c *TuningConfig) Merge(other *TuningConfig) {
	if other == nil {
		return
	}
	data, err := json.Marshal(other)
	if err != nil {
		return
	}
	// Unmarshal only sets fields present in the JSON, leaving the rest.
	_ = json.Unmarshal(data, c)
}

// Clone returns a deep copy. Callers validate a merged copy before
// touching the live config.
func (c *TuningConfig) Clone() *TuningConfig {
	out := EmptyTuningConfig()
	data, err := json.Marshal(c)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, out)
	return out
}

func getFloat(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func getInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			return d
		}
	}
	return def
}

// Cycle rate accessors.

func (c *TuningConfig) GetFusionRateHz() float64  { return getFloat(c.FusionRateHz, 50) }
func (c *TuningConfig) GetPlannerRateHz() float64 { return getFloat(c.PlannerRateHz, 10) }
func (c *TuningConfig) GetCostmapRateHz() float64 { return getFloat(c.CostmapRateHz, 10) }
func (c *TuningConfig) GetMissionRateHz() float64 { return getFloat(c.MissionRateHz, 5) }
func (c *TuningConfig) GetSafetyRateHz() float64  { return getFloat(c.SafetyRateHz, 200) }

// Estimator accessors.

func (c *TuningConfig) GetSensorStaleTimeout() time.Duration {
	return getDuration(c.SensorStaleTimeout, 200*time.Millisecond)
}
func (c *TuningConfig) GetProcessNoisePos() float64     { return getFloat(c.ProcessNoisePos, 0.02) }
func (c *TuningConfig) GetProcessNoiseHeading() float64 { return getFloat(c.ProcessNoiseHeading, 0.01) }
func (c *TuningConfig) GetProcessNoiseVel() float64     { return getFloat(c.ProcessNoiseVel, 0.1) }
func (c *TuningConfig) GetProcessNoiseOmega() float64   { return getFloat(c.ProcessNoiseOmega, 0.1) }
func (c *TuningConfig) GetMeasNoiseScanPose() float64   { return getFloat(c.MeasNoiseScanPose, 0.05) }
func (c *TuningConfig) GetMeasNoiseGyro() float64       { return getFloat(c.MeasNoiseGyro, 0.02) }
func (c *TuningConfig) GetMeasNoiseEncoder() float64    { return getFloat(c.MeasNoiseEncoder, 0.04) }
func (c *TuningConfig) GetMaxPredictDt() float64        { return getFloat(c.MaxPredictDt, 0.5) }
func (c *TuningConfig) GetMaxCovarianceDiag() float64   { return getFloat(c.MaxCovarianceDiag, 100) }

// Costmap accessors.

func (c *TuningConfig) GetCostmapResolution() float64 { return getFloat(c.CostmapResolution, 0.1) }
func (c *TuningConfig) GetCostmapSizeCells() int      { return getInt(c.CostmapSizeCells, 200) }
func (c *TuningConfig) GetObstacleInflationM() float64 {
	return getFloat(c.ObstacleInflationM, 0.4)
}
func (c *TuningConfig) GetLaneBoundaryCost() float64 { return getFloat(c.LaneBoundaryCost, 1.0) }
func (c *TuningConfig) GetOccupiedCostThreshold() float64 {
	return getFloat(c.OccupiedCostThreshold, 0.9)
}
func (c *TuningConfig) GetMaxRangeM() float64 { return getFloat(c.MaxRangeM, 12.0) }
func (c *TuningConfig) GetMinObstacleReturnRange() float64 {
	return getFloat(c.MinObstacleReturnRange, 0.15)
}

// Planner accessors.

func (c *TuningConfig) GetPlannerHorizonSecs() float64 { return getFloat(c.PlannerHorizonSecs, 2.0) }
func (c *TuningConfig) GetPlannerDtSecs() float64      { return getFloat(c.PlannerDtSecs, 0.1) }
func (c *TuningConfig) GetMaxSpeedMps() float64        { return getFloat(c.MaxSpeedMps, 2.0) }
func (c *TuningConfig) GetMaxOmegaRadps() float64      { return getFloat(c.MaxOmegaRadps, 1.5) }
func (c *TuningConfig) GetMaxAccelMps2() float64       { return getFloat(c.MaxAccelMps2, 1.0) }
func (c *TuningConfig) GetMaxOmegaAccel() float64      { return getFloat(c.MaxOmegaAccel, 2.0) }
func (c *TuningConfig) GetVelocitySamples() int        { return getInt(c.VelocitySamples, 7) }
func (c *TuningConfig) GetOmegaSamples() int           { return getInt(c.OmegaSamples, 11) }
func (c *TuningConfig) GetWeightProgress() float64     { return getFloat(c.WeightProgress, 1.0) }
func (c *TuningConfig) GetWeightClearance() float64    { return getFloat(c.WeightClearance, 0.6) }
func (c *TuningConfig) GetWeightSmoothness() float64   { return getFloat(c.WeightSmoothness, 0.3) }
func (c *TuningConfig) GetGoalToleranceM() float64     { return getFloat(c.GoalToleranceM, 0.5) }

// Drive accessors.

func (c *TuningConfig) GetModeSwitchSpeedThreshold() float64 {
	return getFloat(c.ModeSwitchSpeedThreshold, 0.05)
}
func (c *TuningConfig) GetTransitionTimeout() time.Duration {
	return getDuration(c.TransitionTimeout, 2*time.Second)
}
func (c *TuningConfig) GetChassisHalfLengthM() float64 { return getFloat(c.ChassisHalfLengthM, 1.0) }
func (c *TuningConfig) GetChassisHalfWidthM() float64  { return getFloat(c.ChassisHalfWidthM, 0.8) }
func (c *TuningConfig) GetMaxWheelSpeedMps() float64   { return getFloat(c.MaxWheelSpeedMps, 3.0) }
func (c *TuningConfig) GetSteerAlignToleranceRad() float64 {
	return getFloat(c.SteerAlignToleranceRad, 0.03)
}

// Mission accessors.

func (c *TuningConfig) GetDwellTime() time.Duration {
	return getDuration(c.DwellTime, 3*time.Second)
}
func (c *TuningConfig) GetMarkerConfirmationWindow() time.Duration {
	return getDuration(c.MarkerConfirmationWindow, 1500*time.Millisecond)
}
func (c *TuningConfig) GetMarkerMinConfidence() float64 {
	return getFloat(c.MarkerMinConfidence, 0.5)
}

// Safety accessors.

func (c *TuningConfig) GetWatchdogMissThreshold() int { return getInt(c.WatchdogMissThreshold, 5) }
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return getDuration(c.HeartbeatInterval, 20*time.Millisecond)
}
