package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical machine defaults file.
const DefaultConfigPath = "config/machine.defaults.json"

// Roles recognised in APITokens.
const (
	RoleEngineer = "engineer"
	RoleOperator = "operator"
)

// MachineConfig holds the tunable parameters of one inspection cell.
// Every field is optional; the Get* accessors supply defaults so that a
// partial file only overrides what it names.
type MachineConfig struct {
	// Alignment
	AllowScale    *bool    `json:"allow_scale,omitempty"`
	MaxResidualMM *float64 `json:"max_residual_mm,omitempty"`

	// Motion
	FeedRateMMPerSec *float64 `json:"feed_rate_mm_s,omitempty"`
	SettleTime       *string  `json:"settle_time,omitempty"`    // duration string like "500ms"
	MotionTimeout    *string  `json:"motion_timeout,omitempty"` // duration string like "30s"
	SoftLimitXMM     *float64 `json:"soft_limit_x_mm,omitempty"`
	SoftLimitYMM     *float64 `json:"soft_limit_y_mm,omitempty"`

	// Camera and inference
	FOVWidthMM     *float64 `json:"fov_width_mm,omitempty"`
	FOVHeightMM    *float64 `json:"fov_height_mm,omitempty"`
	InspectTimeout *string  `json:"inspect_timeout,omitempty"`
	NGProbability  *float64 `json:"ng_probability,omitempty"`
	InferenceURL   *string  `json:"inference_url,omitempty"`

	// Storage and upload
	DataDir         *string `json:"data_dir,omitempty"`
	TrainingHostURL *string `json:"training_host_url,omitempty"`
	UploadTimeout   *string `json:"upload_timeout,omitempty"`

	// APITokens maps bearer tokens to roles. Empty disables authorization.
	APITokens map[string]string `json:"api_tokens,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyMachineConfig returns a MachineConfig with all fields unset.
func EmptyMachineConfig() *MachineConfig {
	return &MachineConfig{}
}

// DefaultMachineConfig returns a config with every field populated with the
// value its getter would fall back to.
func DefaultMachineConfig() *MachineConfig {
	return &MachineConfig{
		AllowScale:       ptrBool(false),
		MaxResidualMM:    ptrFloat64(0.5),
		FeedRateMMPerSec: ptrFloat64(100),
		SettleTime:       ptrString("500ms"),
		MotionTimeout:    ptrString("30s"),
		SoftLimitXMM:     ptrFloat64(300),
		SoftLimitYMM:     ptrFloat64(300),
		FOVWidthMM:       ptrFloat64(40),
		FOVHeightMM:      ptrFloat64(30),
		InspectTimeout:   ptrString("10s"),
		NGProbability:    ptrFloat64(0.3),
		InferenceURL:     ptrString(""),
		DataDir:          ptrString("data"),
		TrainingHostURL:  ptrString(""),
		UploadTimeout:    ptrString("60s"),
	}
}

// LoadMachineConfig loads a MachineConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadMachineConfig(path string) (*MachineConfig, error) {
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

	cfg := EmptyMachineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or a parent of it. Panics if the file cannot be loaded; intended for
// test setup.
func MustLoadDefaultConfig() *MachineConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadMachineConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *MachineConfig) Validate() error {
	if c.MaxResidualMM != nil && *c.MaxResidualMM < 0 {
		return fmt.Errorf("max_residual_mm must be non-negative, got %f", *c.MaxResidualMM)
	}
	if c.FeedRateMMPerSec != nil && *c.FeedRateMMPerSec <= 0 {
		return fmt.Errorf("feed_rate_mm_s must be positive, got %f", *c.FeedRateMMPerSec)
	}
	for name, v := range map[string]*float64{
		"soft_limit_x_mm": c.SoftLimitXMM,
		"soft_limit_y_mm": c.SoftLimitYMM,
		"fov_width_mm":    c.FOVWidthMM,
		"fov_height_mm":   c.FOVHeightMM,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if c.NGProbability != nil && (*c.NGProbability < 0 || *c.NGProbability > 1) {
		return fmt.Errorf("ng_probability must be between 0 and 1, got %f", *c.NGProbability)
	}
	for name, v := range map[string]*string{
		"settle_time":     c.SettleTime,
		"motion_timeout":  c.MotionTimeout,
		"inspect_timeout": c.InspectTimeout,
		"upload_timeout":  c.UploadTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	for token, role := range c.APITokens {
		if token == "" {
			return fmt.Errorf("api_tokens contains an empty token")
		}
		if role != RoleEngineer && role != RoleOperator {
			return fmt.Errorf("api_tokens: unknown role %q", role)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetAllowScale reports whether alignment may estimate a uniform scale.
func (c *MachineConfig) GetAllowScale() bool {
	if c.AllowScale == nil {
		return false
	}
	return *c.AllowScale
}

// GetMaxResidualMM returns the alignment RMS tolerance in mm.
func (c *MachineConfig) GetMaxResidualMM() float64 { return floatOr(c.MaxResidualMM, 0.5) }

// GetFeedRate returns the simulated travel speed in mm/s.
func (c *MachineConfig) GetFeedRate() float64 { return floatOr(c.FeedRateMMPerSec, 100) }

// GetSettleTime returns the dwell after each move before capture.
func (c *MachineConfig) GetSettleTime() time.Duration {
	return durationOr(c.SettleTime, 500*time.Millisecond)
}

// GetMotionTimeout bounds a single move.
func (c *MachineConfig) GetMotionTimeout() time.Duration {
	return durationOr(c.MotionTimeout, 30*time.Second)
}

// GetInspectTimeout bounds a single capture and inference.
func (c *MachineConfig) GetInspectTimeout() time.Duration {
	return durationOr(c.InspectTimeout, 10*time.Second)
}

// GetUploadTimeout bounds one upload to the training host.
func (c *MachineConfig) GetUploadTimeout() time.Duration {
	return durationOr(c.UploadTimeout, 60*time.Second)
}

func (c *MachineConfig) GetSoftLimitX() float64    { return floatOr(c.SoftLimitXMM, 300) }
func (c *MachineConfig) GetSoftLimitY() float64    { return floatOr(c.SoftLimitYMM, 300) }
func (c *MachineConfig) GetFOVWidth() float64      { return floatOr(c.FOVWidthMM, 40) }
func (c *MachineConfig) GetFOVHeight() float64     { return floatOr(c.FOVHeightMM, 30) }
func (c *MachineConfig) GetNGProbability() float64 { return floatOr(c.NGProbability, 0.3) }
func (c *MachineConfig) GetInferenceURL() string   { return stringOr(c.InferenceURL, "") }
func (c *MachineConfig) GetDataDir() string        { return stringOr(c.DataDir, "data") }
func (c *MachineConfig) GetTrainingHostURL() string {
	return stringOr(c.TrainingHostURL, "")
}

// HistoryDir is where run images are written.
func (c *MachineConfig) HistoryDir() string {
	return filepath.Join(c.GetDataDir(), "history")
}
