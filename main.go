package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/tarjama/archive"
	"node.town/tarjama/capture"
	"node.town/tarjama/config"
	"node.town/tarjama/gemini"
	"node.town/tarjama/intake"
	"node.town/tarjama/ogg"
	"node.town/tarjama/render"
	"node.town/tarjama/session"
	"node.town/tarjama/setup"
	"node.town/tarjama/speechmatics"
	"node.town/tarjama/transcript"
	"node.town/tarjama/tui"
	"node.town/tarjama/web"
	"node.town/tarjama/whisper"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	transcribeCmd.Flags().String("engine", "", "cloud or local (default from config)")
	transcribeCmd.Flags().Bool("json", false, "Print the result as JSON")
	transcribeCmd.Flags().Bool("fallback", false, "Retry on the local model when the cloud engine fails")
	recordCmd.Flags().String("engine", "", "cloud or local (default from config)")
	historyCmd.Flags().String("search", "", "Only show transcriptions containing these words")
	historyCmd.Flags().Int("limit", 20, "Number of transcriptions to list")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().String("gemini-api-key", "", "Google Gemini API key")
	rootCmd.PersistentFlags().String("speechmatics-api-key", "", "Speechmatics API key")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL for transcription history")
	rootCmd.PersistentFlags().Int("web-port", 8080, "Web server port")
	rootCmd.PersistentFlags().String("lang", "", "Spoken language hint, e.g. ar-SA")
	rootCmd.PersistentFlags().String("ui-locale", "", "Interface language (en or ar)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	viper.BindPFlag(config.KeyGeminiAPIKey, rootCmd.PersistentFlags().Lookup("gemini-api-key"))
	viper.BindPFlag(config.KeySpeechmaticsAPIKey, rootCmd.PersistentFlags().Lookup("speechmatics-api-key"))
	viper.BindPFlag(config.KeyDatabaseURL, rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag(config.KeyWebPort, rootCmd.PersistentFlags().Lookup("web-port"))
	viper.BindPFlag(config.KeyLanguage, rootCmd.PersistentFlags().Lookup("lang"))
	viper.BindPFlag(config.KeyUILocale, rootCmd.PersistentFlags().Lookup("ui-locale"))
	viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	logger = log.New(os.Stderr)
	if err := config.Init(viper.GetViper()); err != nil {
		logger.Warn("Error reading config", "error", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tarjama",
	Short: "Tarjama transcribes and translates English and Arabic speech",
	Long: `Tarjama records from the microphone or reads audio files and transcribes them
with Gemini or a local whisper model, with speakers, timestamps, emotions and translations.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web interface",
	Run:   runServe,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe an audio file",
	Args:  cobra.ExactArgs(1),
	Run:   runTranscribe,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone with a live transcript",
	Run:   runRecord,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure API keys, languages and the local model",
	Run:   runSetup,
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List archived transcriptions, or show one",
	Args:  cobra.MaximumNArgs(1),
	Run:   runHistory,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

type loggers struct {
	main, capture, cloud, local, web, data *log.Logger
}

func createLoggers(level log.Level) loggers {
	logger.SetLevel(level)
	logger.SetReportCaller(level == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main:    logger.With().WithPrefix("main"),
		capture: logger.With().WithPrefix("hear"),
		cloud:   logger.With().WithPrefix("cloud"),
		local:   logger.With().WithPrefix("local"),
		web:     logger.With().WithPrefix("web"),
		data:    logger.With().WithPrefix("data"),
	}
}

// app holds everything a command needs, built from configuration.
type app struct {
	cfg     config.Config
	log     loggers
	session *session.Orchestrator
	store   *archive.Store
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: createLoggers(cfg.LogLevel)}

	sessCfg := session.Config{
		Logger:   a.log.main,
		UILocale: cfg.UILocale,
	}

	if cfg.GeminiAPIKey != "" {
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: 0.2,
		}, a.log.cloud)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		sessCfg.Cloud = client
	} else {
		a.log.main.Warn("no Gemini API key; the cloud engine will fail until one is configured")
	}

	local := whisper.NewService(&whisper.CLILoader{
		Binary:     cfg.WhisperBinary,
		ModelPath:  cfg.WhisperModelPath,
		ModelURL:   cfg.WhisperModelURL,
		Threads:    cfg.WhisperThreads,
		Downloader: whisper.NewDownloader(),
		Logger:     a.log.local,
	}, a.log.local)
	a.closers = append(a.closers, func() { local.Close() })
	sessCfg.Local = local

	capCfg := capture.Config{
		Microphone: capture.NewFFmpegMicrophone(cfg.Microphone, cfg.SampleRate),
		Formats: []capture.Format{
			capture.FFmpegFormat("audio/webm;codecs=opus", "webm", "libopus"),
			ogg.CaptureFormat(),
			capture.WAVFormat(),
		},
		Logger: a.log.capture,
	}
	if cfg.SpeechmaticsAPIKey != "" {
		capCfg.Recognizer = speechmatics.NewRecognizer(cfg.SpeechmaticsAPIKey, a.log.capture)
	}
	recorder := capture.New(capCfg)
	a.closers = append(a.closers, func() { recorder.Close() })
	sessCfg.Recorder = recorder

	if cfg.DatabaseURL != "" {
		store, err := archive.Open(ctx, cfg.DatabaseURL, a.log.data)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		sessCfg.Archiver = store
	}

	a.session = session.New(sessCfg)
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		logger.Fatal("load configuration", "error", err)
	}
	defer a.Close()

	webCfg := web.Config{
		Session:  a.session,
		Logger:   a.log.web,
		UILocale: a.cfg.UILocale,
		Language: a.cfg.Language,
		Engine:   a.cfg.Engine,
		MaxBytes: a.cfg.MaxUploadBytes,
	}
	if a.store != nil {
		webCfg.History = a.store
	}
	srv := web.NewServer(webCfg)
	if err := srv.Serve(ctx, fmt.Sprintf(":%d", a.cfg.WebPort)); err != nil {
		a.log.main.Fatal("serve", "error", err)
	}
}

func runTranscribe(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		logger.Fatal("load configuration", "error", err)
	}
	defer a.Close()

	engine := a.cfg.Engine
	if flag, _ := cmd.Flags().GetString("engine"); flag != "" {
		if engine, err = session.ParseEngine(flag); err != nil {
			a.log.main.Fatal("parse engine", "error", err)
		}
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	fallback, _ := cmd.Flags().GetBool("fallback")

	payload, err := intake.FromFile(args[0], a.cfg.MaxUploadBytes)
	if err != nil {
		a.log.main.Fatal("read audio", "error", err)
	}

	result, err := transcribeFile(ctx, a.session, payload, session.Request{Engine: engine, Language: a.cfg.Language}, fallback, a.log.main)
	if err != nil {
		a.log.main.Fatal("transcribe", "kind", transcript.KindOf(err), "error", err)
	}

	if err := printResult(os.Stdout, result, render.NewLabels(a.cfg.UILocale), asJSON); err != nil {
		a.log.main.Fatal("print result", "error", err)
	}
}

// transcribeFile runs one request, falling back to the local engine when
// asked to and the failure allows it.
func transcribeFile(
	ctx context.Context,
	sess *session.Orchestrator,
	payload *transcript.AudioPayload,
	req session.Request,
	fallback bool,
	logger *log.Logger,
) (*transcript.Result, error) {
	if err := sess.Attach(payload); err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := sess.Transcribe(ctx, req)
	if err == nil {
		logger.Info("transcribed", "engine", req.Engine, "took", time.Since(start).Round(time.Millisecond))
		return result, nil
	}

	info := session.NewErrorInfo(err, req.Engine)
	if !fallback || !info.Fallback {
		return nil, err
	}
	logger.Warn("cloud engine failed; retrying locally", "kind", info.Kind, "error", err)
	req.Engine = session.EngineLocal
	return sess.Retry(ctx, req)
}

func printResult(w io.Writer, result *transcript.Result, labels *render.Labels, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return render.Text(w, result, labels, 0)
}

func runRecord(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	// The alternate screen owns the terminal; keep logs out of it.
	logger.SetOutput(io.Discard)
	a, err := loadApp(ctx)
	if err != nil {
		logger.SetOutput(os.Stderr)
		logger.Fatal("load configuration", "error", err)
	}
	defer a.Close()

	engine := a.cfg.Engine
	if flag, _ := cmd.Flags().GetString("engine"); flag != "" {
		if engine, err = session.ParseEngine(flag); err != nil {
			a.log.main.Fatal("parse engine", "error", err)
		}
	}

	err = tui.Run(ctx, a.session, tui.Options{
		Language:  a.cfg.Language,
		Engine:    engine,
		Labels:    render.NewLabels(a.cfg.UILocale),
		AutoStart: true,
	})
	if err != nil {
		logger.SetOutput(os.Stderr)
		a.log.main.Fatal("run interface", "error", err)
	}
}

func runSetup(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	lg := createLoggers(log.InfoLevel)
	if err := setup.Run(ctx, viper.GetViper(), lg.main); err != nil {
		lg.main.Fatal("setup", "error", err)
	}
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Fatal("load configuration", "error", err)
	}
	lg := createLoggers(cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		lg.main.Fatal("missing DATABASE_URL or --database-url=")
	}

	store, err := archive.Open(ctx, cfg.DatabaseURL, lg.data)
	if err != nil {
		lg.main.Fatal("open archive", "error", err)
	}
	defer store.Close()

	if len(args) == 1 {
		rec, err := store.Get(ctx, args[0])
		if err != nil {
			lg.main.Fatal("load transcription", "id", args[0], "error", err)
		}
		render.Text(os.Stdout, rec.Result, render.NewLabels(cfg.UILocale), 0)
		return
	}

	search, _ := cmd.Flags().GetString("search")
	limit, _ := cmd.Flags().GetInt("limit")
	records, err := store.Recent(ctx, search, limit)
	if err != nil {
		lg.main.Fatal("list transcriptions", "error", err)
	}
	if len(records) == 0 {
		fmt.Println("No transcriptions found.")
		return
	}
	historyTable(os.Stdout, records)
}

func historyTable(w io.Writer, records []archive.Record) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Created At", "Engine", "Language", "Segments", "Summary"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, rec := range records {
		summary, segments := "", 0
		if rec.Result != nil {
			summary = rec.Result.Summary
			segments = len(rec.Result.Segments)
		}
		if r := []rune(summary); len(r) > 48 {
			summary = string(r[:47]) + "…"
		}
		table.Append([]string{
			rec.ID,
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Engine,
			rec.Language,
			fmt.Sprintf("%d", segments),
			summary,
		})
	}

	table.Render()
}
