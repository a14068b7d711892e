// Package config implements functions to assist with attribute evaluation in the landmark localizer.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/landmark-localizer/covariance"
	"github.com/viam-modules/landmark-localizer/framesystem"
	"github.com/viam-modules/landmark-localizer/gating"
	"github.com/viam-modules/landmark-localizer/landmarks"
)

// Defaults for optional attributes.
const (
	DefaultMapFrame               = "map"
	DefaultBodyFrame              = "base_link"
	DefaultFrameLookupTimeoutMsec = 100
)

// DetectionMode selects the marker detector speed/accuracy trade off. The detector itself is external,
// the mode is validated and passed through.
type DetectionMode string

// Detection modes accepted in detection_mode.
const (
	DetectionModeNormal    DetectionMode = "DM_NORMAL"
	DetectionModeFast      DetectionMode = "DM_FAST"
	DetectionModeVideoFast DetectionMode = "DM_VIDEO_FAST"
)

// ParseDetectionMode returns the mode named s.
func ParseDetectionMode(s string) (DetectionMode, error) {
	switch mode := DetectionMode(s); mode {
	case DetectionModeNormal, DetectionModeFast, DetectionModeVideoFast:
		return mode, nil
	default:
		return "", errors.Errorf("invalid detection_mode: %q", s)
	}
}

// newError returns an error specific to a failure in the landmark localizer config.
func newError(configError string) error {
	return errors.Errorf("landmark localizer configuration error: %s", configError)
}

// FrameConfig mounts a sensor frame on its parent.
type FrameConfig struct {
	Name        string                       `yaml:"name" json:"name"`
	Parent      string                       `yaml:"parent" json:"parent"`
	Translation landmarks.Position           `yaml:"translation" json:"translation"`
	Orientation *landmarks.OrientationConfig `yaml:"orientation,omitempty" json:"orientation,omitempty"`
}

// Config describes how to configure the landmark localizer.
type Config struct {
	MarkerSize             float64       `yaml:"marker_size" json:"marker_size"`
	TargetTagIDs           []string      `yaml:"target_tag_ids" json:"target_tag_ids"`
	BaseCovariance         []float64     `yaml:"base_covariance" json:"base_covariance"`
	DistanceThreshold      float64       `yaml:"distance_threshold" json:"distance_threshold"`
	EKFTimeTolerance       float64       `yaml:"ekf_time_tolerance" json:"ekf_time_tolerance"`
	EKFPositionTolerance   float64       `yaml:"ekf_position_tolerance" json:"ekf_position_tolerance"`
	DetectionMode          string        `yaml:"detection_mode" json:"detection_mode"`
	MinMarkerSize          float64       `yaml:"min_marker_size" json:"min_marker_size"`
	MapFrame               string        `yaml:"map_frame" json:"map_frame"`
	BodyFrame              string        `yaml:"body_frame" json:"body_frame"`
	LandmarkMap            string        `yaml:"landmark_map" json:"landmark_map"`
	WatchLandmarkMap       bool          `yaml:"watch_landmark_map" json:"watch_landmark_map"`
	FrameLookupTimeoutMsec *int          `yaml:"frame_lookup_timeout_msec" json:"frame_lookup_timeout_msec"`
	Frames                 []FrameConfig `yaml:"frames" json:"frames"`
}

// Validate checks the config. The localizer depends on no other resources.
func (config *Config) Validate(path string) ([]string, error) {
	if len(config.TargetTagIDs) == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "target_tag_ids")
	}
	if config.BaseCovariance == nil {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "base_covariance")
	}
	if _, err := covariance.FromSlice(config.BaseCovariance); err != nil {
		return nil, errors.Wrap(err, "invalid base_covariance")
	}
	if config.LandmarkMap == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "landmark_map")
	}
	if config.DetectionMode == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "detection_mode")
	}
	if _, err := ParseDetectionMode(config.DetectionMode); err != nil {
		return nil, err
	}

	if config.MarkerSize <= 0 {
		return nil, errors.New("marker_size must be greater than zero")
	}
	if config.DistanceThreshold <= 0 {
		return nil, errors.New("distance_threshold must be greater than zero")
	}
	if config.EKFTimeTolerance < 0 {
		return nil, errors.New("cannot specify ekf_time_tolerance less than zero")
	}
	if config.EKFPositionTolerance < 0 {
		return nil, errors.New("cannot specify ekf_position_tolerance less than zero")
	}
	if config.MinMarkerSize < 0 {
		return nil, errors.New("cannot specify min_marker_size less than zero")
	}
	if config.FrameLookupTimeoutMsec != nil && *config.FrameLookupTimeoutMsec < 0 {
		return nil, errors.New("cannot specify frame_lookup_timeout_msec less than zero")
	}

	for i, frame := range config.Frames {
		if frame.Name == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "frames.name")
		}
		if _, err := frame.Orientation.Transform(r3.Vector{}); err != nil {
			return nil, errors.Wrapf(err, "invalid orientation for frames[%d]", i)
		}
	}

	return nil, nil
}

// ApplyDefaults fills unset optional attributes.
func (config *Config) ApplyDefaults() {
	if config.MapFrame == "" {
		config.MapFrame = DefaultMapFrame
	}
	if config.BodyFrame == "" {
		config.BodyFrame = DefaultBodyFrame
	}
	if config.FrameLookupTimeoutMsec == nil {
		timeout := DefaultFrameLookupTimeoutMsec
		config.FrameLookupTimeoutMsec = &timeout
	}
}

// New applies defaults to cfg and validates it. path names the config in error messages.
func New(cfg Config, path string) (*Config, error) {
	cfg.ApplyDefaults()
	if _, err := cfg.Validate(path); err != nil {
		return nil, newError(err.Error())
	}
	return &cfg, nil
}

// Load reads a YAML (or JSON) parameter file. Unknown keys are rejected and a relative landmark_map
// is resolved against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(err.Error())
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, newError(err.Error())
	}
	if cfg.LandmarkMap != "" && !filepath.IsAbs(cfg.LandmarkMap) {
		cfg.LandmarkMap = filepath.Join(filepath.Dir(path), cfg.LandmarkMap)
	}
	return New(cfg, path)
}

// GatingConfig returns the gating thresholds.
func (config *Config) GatingConfig() gating.Config {
	return gating.Config{
		TargetIDs:         append([]string(nil), config.TargetTagIDs...),
		DistanceThreshold: config.DistanceThreshold,
		TimeTolerance:     time.Duration(config.EKFTimeTolerance * float64(time.Second)),
		PositionTolerance: config.EKFPositionTolerance,
	}
}

// Covariance returns the validated base covariance.
func (config *Config) Covariance() (covariance.Covariance, error) {
	return covariance.FromSlice(config.BaseCovariance)
}

// FrameLookupTimeout returns the frame lookup timeout, or zero when none is set.
func (config *Config) FrameLookupTimeout() time.Duration {
	if config.FrameLookupTimeoutMsec == nil {
		return 0
	}
	return time.Duration(*config.FrameLookupTimeoutMsec) * time.Millisecond
}

// Mounts converts the configured frames for the frame system.
func (config *Config) Mounts() ([]framesystem.Mount, error) {
	mounts := make([]framesystem.Mount, 0, len(config.Frames))
	for _, frame := range config.Frames {
		t := frame.Translation
		pose, err := frame.Orientation.Transform(r3.Vector{X: t.X, Y: t.Y, Z: t.Z})
		if err != nil {
			return nil, errors.Wrapf(err, "frame %q", frame.Name)
		}
		mounts = append(mounts, framesystem.Mount{Name: frame.Name, Parent: frame.Parent, Pose: pose})
	}
	return mounts, nil
}
