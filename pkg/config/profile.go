package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a jurisdiction-specific configuration profile: archival
// regulations differ per entity type, so alerting windows and escalation
// schedules are tunable per deployment.
type Profile struct {
	Name         string         `yaml:"name" json:"name"`
	Code         string         `yaml:"code" json:"code"`
	PreAlertDays int            `yaml:"pre_alert_days,omitempty" json:"pre_alert_days,omitempty"`
	Sweep        SweepProfile   `yaml:"sweep" json:"sweep"`
	Repeats      RepeatsProfile `yaml:"repeats" json:"repeats"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// SweepProfile tunes the periodic sweep.
type SweepProfile struct {
	Interval          Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	DispatchPerSecond float64  `yaml:"dispatch_per_second,omitempty" json:"dispatch_per_second,omitempty"`
}

// RepeatsProfile tunes the repeat-until-attended schedule.
type RepeatsProfile struct {
	CriticalIntervalHours int `yaml:"critical_interval_hours,omitempty" json:"critical_interval_hours,omitempty"`
	CriticalMaxRepeats    int `yaml:"critical_max_repeats,omitempty" json:"critical_max_repeats,omitempty"`
	DefaultIntervalHours  int `yaml:"default_interval_hours,omitempty" json:"default_interval_hours,omitempty"`
	DefaultMaxRepeats     int `yaml:"default_max_repeats,omitempty" json:"default_max_repeats,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from dir.
func LoadProfile(dir, code string) (*Profile, error) {
	if code == "" {
		return nil, fmt.Errorf("config: profile code must not be empty")
	}
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", code))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: parsing profile %s: %w", path, err)
	}
	if p.Code == "" {
		p.Code = code
	}
	return &p, nil
}

// Apply overlays the profile onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.PreAlertDays > 0 {
		cfg.PreAlertDays = p.PreAlertDays
	}
	if p.Sweep.Interval > 0 {
		cfg.SweepInterval = time.Duration(p.Sweep.Interval)
	}
}
