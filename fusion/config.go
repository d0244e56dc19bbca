// Package fusion wires scan ingestion, pose gating, and volume export into
// one service around a TSDF accumulator.
package fusion

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// Config holds every runtime parameter of the fusion service: the volume
// construction knobs, the ingestion policy switches, the export
// parameters, and the transport subjects. It is read once at startup and
// never reloaded.
type Config struct {
	VoxelSize    float64 `json:"voxel_size"`
	SDFTrunc     float64 `json:"sdf_trunc"`
	SpaceCarving bool    `json:"space_carving"`

	ScanTopic   string `json:"scan_topic"`
	PoseTopic   string `json:"pose_topic"`
	SaveSubject string `json:"save_subject"`
	MeshTopic   string `json:"mesh_topic"`
	MapFrame    string `json:"map_frame,omitempty"`

	Preprocess bool    `json:"preprocess"`
	ApplyPose  bool    `json:"apply_pose"`
	MinRange   float64 `json:"min_range"`
	MaxRange   float64 `json:"max_range"`

	FillHoles bool    `json:"fill_holes"`
	MinWeight float64 `json:"min_weight"`

	SaveIntervalSec      float64 `json:"save_interval_sec"`
	SavePath             string  `json:"save_path"`
	TimestampToleranceNS int64   `json:"timestamp_tolerance_ns"`

	NATSURL     string `json:"nats_url,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// StampTolerance returns the pose gate tolerance as a duration.
func (cfg *Config) StampTolerance() time.Duration {
	return time.Duration(cfg.TimestampToleranceNS)
}

// SaveInterval returns the periodic export interval. Zero or negative
// means exports happen only on demand.
func (cfg *Config) SaveInterval() time.Duration {
	return time.Duration(cfg.SaveIntervalSec * float64(time.Second))
}

// Frame returns the label stamped onto published meshes.
func (cfg *Config) Frame() string {
	if cfg.MapFrame == "" {
		return "map"
	}
	return cfg.MapFrame
}

// Validate checks that the config can construct a working service. Note
// that a min_range above max_range is allowed; the range filter then
// empties every batch.
func (cfg *Config) Validate(path string) error {
	if cfg.VoxelSize <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("voxel_size must be positive"))
	}
	if cfg.SDFTrunc <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("sdf_trunc must be positive"))
	}
	if cfg.ScanTopic == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "scan_topic")
	}
	if cfg.PoseTopic == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pose_topic")
	}
	if cfg.SaveSubject == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "save_subject")
	}
	if cfg.MeshTopic == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "mesh_topic")
	}
	if cfg.MinRange < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_range cannot be negative"))
	}
	if cfg.MaxRange <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_range must be positive"))
	}
	if cfg.MinWeight < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_weight cannot be negative"))
	}
	if cfg.TimestampToleranceNS < 0 {
		return goutils.NewConfigValidationError(path, errors.New("timestamp_tolerance_ns cannot be negative"))
	}
	if cfg.SavePath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "save_path")
	}
	return nil
}

// ReadConfig loads and validates a JSON service configuration from path.
func ReadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open config")
	}
	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot parse config"), f.Close())
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}
