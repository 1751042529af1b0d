package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`

	ModelDir         string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName    string `toml:"model_file_name" mapstructure:"model_file_name"`
	ClassIndicesName string `toml:"class_indices_name" mapstructure:"class_indices_name"`
	ModelVersion     string `toml:"model_version" mapstructure:"model_version"`
	ImageSize        int    `toml:"image_size" mapstructure:"image_size"`
	Sessions         int    `toml:"sessions" mapstructure:"sessions"`
	OutputLogits     bool   `toml:"output_logits" mapstructure:"output_logits"`

	DBPath      string   `toml:"db_path" mapstructure:"db_path"`
	HistoryDir  string   `toml:"history_dir" mapstructure:"history_dir"`
	MaxUploadMB int      `toml:"max_upload_mb" mapstructure:"max_upload_mb"`
	CORSOrigins []string `toml:"cors_origins" mapstructure:"cors_origins"`
}

func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             "5000",
		ModelDir:         "models",
		ModelFileName:    "brain_tumor_model.onnx",
		ClassIndicesName: "class_indices.json",
		ModelVersion:     "v1.0",
		ImageSize:        224,
		Sessions:         1,
		DBPath:           "predictions.db",
		HistoryDir:       "history_images",
		MaxUploadMB:      16,
		CORSOrigins:      []string{"*"},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file is
// not an error; the defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: parse %s: %w", ErrConfig, path, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is empty", ErrConfig)
	case c.ModelFileName == "":
		return fmt.Errorf("%w: model_file_name is empty", ErrConfig)
	case c.ClassIndicesName == "":
		return fmt.Errorf("%w: class_indices_name is empty", ErrConfig)
	case c.ModelVersion == "":
		return fmt.Errorf("%w: model_version is empty", ErrConfig)
	case c.ImageSize <= 0:
		return fmt.Errorf("%w: image_size must be positive, got %d", ErrConfig, c.ImageSize)
	case c.Sessions <= 0:
		return fmt.Errorf("%w: sessions must be positive, got %d", ErrConfig, c.Sessions)
	case c.DBPath == "":
		return fmt.Errorf("%w: db_path is empty", ErrConfig)
	case c.HistoryDir == "":
		return fmt.Errorf("%w: history_dir is empty", ErrConfig)
	case c.MaxUploadMB <= 0:
		return fmt.Errorf("%w: max_upload_mb must be positive, got %d", ErrConfig, c.MaxUploadMB)
	}
	return nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, c.ModelFileName)
}

func (c Config) ClassIndicesPath() string {
	return filepath.Join(c.ModelDir, c.ClassIndicesName)
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
