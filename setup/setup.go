// Package setup walks the user through first-run configuration.
package setup

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"

	"node.town/tarjama/archive"
	"node.town/tarjama/config"
	"node.town/tarjama/whisper"
)

type Values struct {
	GeminiAPIKey       string
	SpeechmaticsAPIKey string
	UILocale           string
	Language           string
	Engine             string
	WhisperBinary      string
	WhisperModelPath   string
	DatabaseURL        string
	DownloadModel      bool
}

func Current(v *viper.Viper) Values {
	return Values{
		GeminiAPIKey:       v.GetString(config.KeyGeminiAPIKey),
		SpeechmaticsAPIKey: v.GetString(config.KeySpeechmaticsAPIKey),
		UILocale:           v.GetString(config.KeyUILocale),
		Language:           v.GetString(config.KeyLanguage),
		Engine:             v.GetString(config.KeyEngine),
		WhisperBinary:      v.GetString(config.KeyWhisperBinary),
		WhisperModelPath:   v.GetString(config.KeyWhisperModelPath),
		DatabaseURL:        v.GetString(config.KeyDatabaseURL),
	}
}

func Form(vals *Values) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Google Gemini API key").
				EchoMode(huh.EchoModePassword).
				Value(&vals.GeminiAPIKey),
			huh.NewInput().
				Title("Speechmatics API key").
				Description("Optional; enables live transcription while recording.").
				EchoMode(huh.EchoModePassword).
				Value(&vals.SpeechmaticsAPIKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Interface language").
				Options(huh.NewOption("English", "en"), huh.NewOption("العربية", "ar")).
				Value(&vals.UILocale),
			huh.NewSelect[string]().
				Title("Spoken language").
				Options(huh.NewOption("English", "en-US"), huh.NewOption("Arabic", "ar-SA")).
				Value(&vals.Language),
			huh.NewSelect[string]().
				Title("Default engine").
				Options(huh.NewOption("Gemini (cloud)", "cloud"), huh.NewOption("Whisper (local)", "local")).
				Value(&vals.Engine),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("whisper.cpp binary").
				Value(&vals.WhisperBinary),
			huh.NewInput().
				Title("Whisper model file").
				Value(&vals.WhisperModelPath),
			huh.NewConfirm().
				Title("Download the model now if it is missing?").
				Value(&vals.DownloadModel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Postgres URL for history").
				Description("Optional; leave empty to keep no history.").
				Value(&vals.DatabaseURL),
		),
	)
}

// Save stores the answers and returns the file written.
func Save(v *viper.Viper, vals Values) (string, error) {
	return config.Save(v, map[string]any{
		config.KeyGeminiAPIKey:       vals.GeminiAPIKey,
		config.KeySpeechmaticsAPIKey: vals.SpeechmaticsAPIKey,
		config.KeyUILocale:           vals.UILocale,
		config.KeyLanguage:           vals.Language,
		config.KeyEngine:             vals.Engine,
		config.KeyWhisperBinary:      vals.WhisperBinary,
		config.KeyWhisperModelPath:   vals.WhisperModelPath,
		config.KeyDatabaseURL:        vals.DatabaseURL,
	})
}

func Run(ctx context.Context, v *viper.Viper, logger *log.Logger) error {
	logger.Info("Starting tarjama setup")

	vals := Current(v)
	if err := Form(&vals).Run(); err != nil {
		return fmt.Errorf("error during setup: %w", err)
	}

	path, err := Save(v, vals)
	if err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}
	logger.Info("Configuration saved", "path", path)

	if vals.DownloadModel {
		if err := downloadModel(ctx, v, vals.WhisperModelPath, logger); err != nil {
			return err
		}
	}
	if vals.DatabaseURL != "" {
		if err := Migrate(ctx, vals.DatabaseURL, logger); err != nil {
			return err
		}
	}

	logger.Info("Setup completed successfully!")
	return nil
}

func downloadModel(ctx context.Context, v *viper.Viper, path string, logger *log.Logger) error {
	if _, err := os.Stat(path); err == nil {
		logger.Info("Model already present", "path", path)
		return nil
	}
	url := v.GetString(config.KeyWhisperModelURL)
	logger.Info("Downloading model", "url", url)

	last := -1
	err := whisper.NewDownloader().Fetch(ctx, url, path, func(f float64) {
		if pct := int(f * 10); pct != last {
			last = pct
			logger.Info("Downloading model", "progress", fmt.Sprintf("%d%%", pct*10))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	return nil
}

// Migrate asks before applying each pending archive schema change.
func Migrate(ctx context.Context, url string, logger *log.Logger) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	return archive.Migrate(ctx, conn, logger, func(m archive.Migration) (bool, error) {
		confirm := true
		err := huh.NewConfirm().
			Title(fmt.Sprintf("New migration found: %s", m.ID)).
			Description(m.Description).
			Value(&confirm).
			Run()
		return confirm, err
	})
}
