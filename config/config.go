// Package config reads settings from config.yaml, .env, the environment
// and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"node.town/tarjama/session"
)

const (
	KeyGeminiAPIKey       = "gemini_api_key"
	KeyGeminiModel        = "gemini_model"
	KeySpeechmaticsAPIKey = "speechmatics_api_key"
	KeyWhisperBinary      = "whisper_binary"
	KeyWhisperModelPath   = "whisper_model_path"
	KeyWhisperModelURL    = "whisper_model_url"
	KeyWhisperThreads     = "whisper_threads"
	KeyDatabaseURL        = "database_url"
	KeyWebPort            = "web_port"
	KeyUILocale           = "ui_locale"
	KeyLanguage           = "language"
	KeyEngine             = "engine"
	KeyMaxUploadBytes     = "max_upload_bytes"
	KeyMicrophone         = "microphone"
	KeySampleRate         = "sample_rate"
	KeyLogLevel           = "log_level"
)

type Config struct {
	GeminiAPIKey       string
	GeminiModel        string
	SpeechmaticsAPIKey string

	WhisperBinary    string
	WhisperModelPath string
	WhisperModelURL  string
	WhisperThreads   int

	DatabaseURL string
	WebPort     int

	UILocale       string
	Language       string
	Engine         session.Engine
	MaxUploadBytes int64

	Microphone string
	SampleRate int

	LogLevel log.Level
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyGeminiModel, "gemini-2.5-flash")
	v.SetDefault(KeyWhisperBinary, "whisper-cli")
	v.SetDefault(KeyWhisperModelPath, filepath.Join(cacheDir(), "ggml-base.bin"))
	v.SetDefault(KeyWhisperModelURL, "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin")
	v.SetDefault(KeyWebPort, 8080)
	v.SetDefault(KeyUILocale, "en")
	v.SetDefault(KeyLanguage, "en-US")
	v.SetDefault(KeyEngine, string(session.EngineCloud))
	v.SetDefault(KeyMaxUploadBytes, 20<<20)
	v.SetDefault(KeySampleRate, 48000)
	v.SetDefault(KeyLogLevel, "info")
}

func cacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tarjama")
}

// Init loads .env into the environment and reads config.yaml from the
// working directory or the user config directory. A missing file is not
// an error.
func Init(v *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "tarjama"))
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	engine, err := session.ParseEngine(v.GetString(KeyEngine))
	if err != nil {
		return Config{}, err
	}
	level, err := log.ParseLevel(strings.ToLower(v.GetString(KeyLogLevel)))
	if err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}

	cfg := Config{
		GeminiAPIKey:       v.GetString(KeyGeminiAPIKey),
		GeminiModel:        v.GetString(KeyGeminiModel),
		SpeechmaticsAPIKey: v.GetString(KeySpeechmaticsAPIKey),
		WhisperBinary:      v.GetString(KeyWhisperBinary),
		WhisperModelPath:   v.GetString(KeyWhisperModelPath),
		WhisperModelURL:    v.GetString(KeyWhisperModelURL),
		WhisperThreads:     v.GetInt(KeyWhisperThreads),
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		WebPort:            v.GetInt(KeyWebPort),
		UILocale:           v.GetString(KeyUILocale),
		Language:           v.GetString(KeyLanguage),
		Engine:             engine,
		MaxUploadBytes:     v.GetInt64(KeyMaxUploadBytes),
		Microphone:         v.GetString(KeyMicrophone),
		SampleRate:         v.GetInt(KeySampleRate),
		LogLevel:           level,
	}
	if cfg.WebPort <= 0 || cfg.WebPort > 65535 {
		return Config{}, fmt.Errorf("web port %d out of range", cfg.WebPort)
	}
	return cfg, nil
}

// Save writes values into the config file viper read from, or into the
// user config directory when there was none.
func Save(v *viper.Viper, values map[string]any) (string, error) {
	for k, val := range values {
		v.Set(k, val)
	}
	path := v.ConfigFileUsed()
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(dir, "tarjama")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
