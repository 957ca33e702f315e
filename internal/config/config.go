package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// ServerConfig configures the inference service.
type ServerConfig struct {
	AppName               string  `mapstructure:"app_name"`
	AppEnv                string  `mapstructure:"app_env"`
	LogLevel              string  `mapstructure:"app_log_level"`
	Port                  int     `mapstructure:"app_port"`
	ModelPath             string  `mapstructure:"model_path"`
	ModelBackend          string  `mapstructure:"model_backend"`
	ONNXMetadataPath      string  `mapstructure:"onnx_metadata_path"`
	ONNXSharedLibraryPath string  `mapstructure:"onnx_shared_library_path"`
	MaxUploadBytes        int64   `mapstructure:"max_upload_bytes"`
	MetricAddress         string  `mapstructure:"metric_address"`
	MetricSamplingRate    float64 `mapstructure:"app_metric_sampling_rate"`
}

// ClientConfig configures the browser UI that fronts the inference service.
type ClientConfig struct {
	AppName                 string `mapstructure:"app_name"`
	AppEnv                  string `mapstructure:"app_env"`
	LogLevel                string `mapstructure:"app_log_level"`
	Port                    int    `mapstructure:"app_port"`
	InferenceURL            string `mapstructure:"inference_url"`
	InferenceTimeoutSeconds int    `mapstructure:"inference_timeout_seconds"`
	MetricAddress           string `mapstructure:"metric_address"`
}

func (c ClientConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSeconds) * time.Second
}

// LoadServer reads the inference service configuration from the environment.
func LoadServer() (ServerConfig, error) {
	v := viper.New()
	v.SetDefault("app_name", "cxr-api")
	v.SetDefault("app_env", "local")
	v.SetDefault("app_log_level", "INFO")
	v.SetDefault("app_port", 8000)
	v.SetDefault("model_path", "models/chest_xray_cnn.gob.zst")
	v.SetDefault("model_backend", BackendNative)
	v.SetDefault("onnx_metadata_path", "models/model_metadata.json")
	v.SetDefault("onnx_shared_library_path", "")
	v.SetDefault("max_upload_bytes", 10<<20)
	v.SetDefault("metric_address", "")
	v.SetDefault("app_metric_sampling_rate", 1.0)
	bindEnv(v)

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	cfg.ModelBackend = strings.ToLower(strings.TrimSpace(cfg.ModelBackend))
	if cfg.ModelBackend != BackendNative && cfg.ModelBackend != BackendONNX {
		return ServerConfig{}, fmt.Errorf("invalid MODEL_BACKEND: %q", cfg.ModelBackend)
	}
	if cfg.Port <= 0 {
		return ServerConfig{}, fmt.Errorf("invalid APP_PORT: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return ServerConfig{}, fmt.Errorf("invalid MODEL_PATH: cannot be empty")
	}
	if cfg.MaxUploadBytes <= 0 {
		return ServerConfig{}, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %d", cfg.MaxUploadBytes)
	}
	return cfg, nil
}

// LoadClient reads the UI configuration from the environment.
func LoadClient() (ClientConfig, error) {
	v := viper.New()
	v.SetDefault("app_name", "cxr-ui")
	v.SetDefault("app_env", "local")
	v.SetDefault("app_log_level", "INFO")
	v.SetDefault("app_port", 8501)
	v.SetDefault("inference_url", "http://localhost:8000/predict")
	v.SetDefault("inference_timeout_seconds", 30)
	v.SetDefault("metric_address", "")
	bindEnv(v)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("failed to unmarshal client config: %w", err)
	}
	if cfg.Port <= 0 {
		return ClientConfig{}, fmt.Errorf("invalid APP_PORT: %d", cfg.Port)
	}
	if cfg.InferenceTimeoutSeconds <= 0 {
		return ClientConfig{}, fmt.Errorf("invalid INFERENCE_TIMEOUT_SECONDS: %d", cfg.InferenceTimeoutSeconds)
	}
	if strings.TrimSpace(cfg.InferenceURL) == "" {
		return ClientConfig{}, fmt.Errorf("invalid INFERENCE_URL: cannot be empty")
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	// App configuration
	v.BindEnv("app_name", "APP_NAME")
	v.BindEnv("app_env", "APP_ENV")
	v.BindEnv("app_log_level", "APP_LOG_LEVEL")
	v.BindEnv("app_port", "APP_PORT")
	v.BindEnv("app_metric_sampling_rate", "APP_METRIC_SAMPLING_RATE")
	v.BindEnv("metric_address", "METRIC_ADDRESS")

	// Model configuration
	v.BindEnv("model_path", "MODEL_PATH")
	v.BindEnv("model_backend", "MODEL_BACKEND")
	v.BindEnv("onnx_metadata_path", "ONNX_METADATA_PATH")
	v.BindEnv("onnx_shared_library_path", "ONNX_SHARED_LIBRARY_PATH")
	v.BindEnv("max_upload_bytes", "MAX_UPLOAD_BYTES")

	// Inference service, as seen from the UI
	v.BindEnv("inference_url", "INFERENCE_URL")
	v.BindEnv("inference_timeout_seconds", "INFERENCE_TIMEOUT_SECONDS")
}
