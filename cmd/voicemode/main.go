// Command voicemode is the VoiceMode voice-interaction runtime: it speaks a
// message through the TTS pipeline, listens for the reply, and optionally
// keeps a gateway connection alive for inbound messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/voicemode/voicemode/internal/conch"
	"github.com/voicemode/voicemode/internal/config"
	"github.com/voicemode/voicemode/internal/connect"
	"github.com/voicemode/voicemode/internal/connect/mailbox"
	"github.com/voicemode/voicemode/internal/conversation"
	"github.com/voicemode/voicemode/internal/credentials"
	"github.com/voicemode/voicemode/internal/eventlog"
	"github.com/voicemode/voicemode/internal/observe"
	"github.com/voicemode/voicemode/internal/svc"
	"github.com/voicemode/voicemode/pkg/audio/device"
	"github.com/voicemode/voicemode/pkg/audio/player"
	"github.com/voicemode/voicemode/pkg/provider"
	"github.com/voicemode/voicemode/pkg/provider/stt"
	"github.com/voicemode/voicemode/pkg/provider/tts"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	say := flag.String("say", "", "message to speak; with -wait the reply is printed to stdout")
	wait := flag.Bool("wait", true, "listen for and transcribe a spoken reply after speaking")
	service := flag.String("service", "", "manage a companion service (whisper or kokoro) and exit")
	serviceAction := flag.String("service-action", "status", "action for -service: status|start|stop|restart|enable|disable|logs")
	serviceLines := flag.Int("service-lines", 50, "log lines for -service-action logs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voicemode", version)
		return 0
	}

	// ── Environment & configuration ────────────────────────────────────────────
	// A .env in the working directory is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicemode: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Service management (one-shot) ─────────────────────────────────────────
	if *service != "" {
		out, err := svc.NewManager(nil).Manage(ctx, *service, svc.Action(*serviceAction), *serviceLines)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voicemode: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}

	slog.Info("voicemode starting",
		"version", version,
		"base_dir", cfg.BaseDir,
		"log_level", cfg.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicemode",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Event log ─────────────────────────────────────────────────────────────
	events, err := eventlog.New(cfg.LogsDir())
	if err != nil {
		slog.Error("failed to open event log", "err", err)
		return 1
	}
	defer func() {
		if err := events.Close(); err != nil {
			slog.Warn("event log close error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := provider.NewRegistry()
	if err := reg.Seed(provider.RoleTTS, cfg.Providers.TTSBaseURLs); err != nil {
		slog.Error("failed to seed TTS endpoints", "err", err)
		return 1
	}
	if err := reg.Seed(provider.RoleSTT, cfg.Providers.STTBaseURLs); err != nil {
		slog.Error("failed to seed STT endpoints", "err", err)
		return 1
	}

	// ── Speech pipelines ──────────────────────────────────────────────────────
	ttsPipe := tts.NewPipeline(reg, tts.NewClient(cfg.Providers.HTTPTimeout), events)
	sttPipe := stt.NewPipeline(reg, stt.NewClient(cfg.Providers.HTTPTimeout), events, stt.PipelineConfig{
		Compress:  stt.CompressMode(cfg.Providers.STTCompress),
		SaveAudio: cfg.Audio.SaveAudio,
		AudioDir:  cfg.AudioDir(),
		Model:     cfg.Providers.STTModel,
		Language:  cfg.Providers.Language,
	})

	// ── Audio devices ─────────────────────────────────────────────────────────
	io, err := device.New()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer func() {
		if err := io.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}()

	pl := player.New(func(sampleRate, channels int) (player.Output, error) {
		return io.OpenOutput(sampleRate, channels)
	})
	openCapture := func(sampleRate, channels, frameMs int) (conversation.CaptureStream, error) {
		return io.OpenInput(sampleRate, channels, frameMs)
	}

	// ── Pronunciation rules ───────────────────────────────────────────────────
	rules, err := conversation.LoadRules(cfg.RulesPath())
	if err != nil {
		slog.Error("failed to load pronunciation rules", "err", err)
		return 1
	}

	// ── Conch lock ────────────────────────────────────────────────────────────
	var lock *conch.Lock
	if cfg.Conch.Enabled {
		lock = conch.New(cfg.ConchPath(), "voicemode", cfg.Conch.LockExpiry)
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("conch release error", "err", err)
			}
		}()
	}

	// ── Conversation runtime ──────────────────────────────────────────────────
	conv := conversation.New(ttsPipe, sttPipe, pl, openCapture, rules, events, lock, conversation.Config{
		Streaming:         cfg.Audio.StreamingEnabled,
		BargeInEnabled:    cfg.BargeIn.Enabled,
		VADAggressiveness: cfg.BargeIn.VADAggressiveness,
		MinSpeechMs:       cfg.BargeIn.MinSpeechMs,
		ChimesEnabled:     cfg.Audio.ChimesEnabled,
		Voice:             firstOf(cfg.Providers.Voices),
		Model:             firstOf(cfg.Providers.Models),
		Language:          cfg.Providers.Language,
		Speed:             cfg.Providers.Speed,
		MinListen:         cfg.Audio.MinListen,
		MaxListen:         cfg.Audio.MaxListen,
	})

	// ── Gateway connection (optional) ─────────────────────────────────────────
	var (
		client  *connect.Client
		watcher *mailbox.Watcher
	)
	if cfg.Connect.Enabled {
		users, err := mailbox.NewManager(cfg.UsersDir())
		if err != nil {
			slog.Error("failed to open mailbox directory", "err", err)
			return 1
		}
		creds := credentials.NewStore(cfg.CredentialsPath())

		hostname, _ := os.Hostname()
		client = connect.New(connect.Options{
			WSURL:      cfg.Connect.WSURL,
			Host:       cfg.Connect.Host,
			AppVersion: version,
			DeviceName: hostname,
			TTS:        true,
			STT:        true,
		}, creds, users)
		client.Connect(ctx)
		defer client.Disconnect()

		// Re-announce capabilities whenever the registered users change.
		watcher = mailbox.NewWatcher(users, 0, func(changes []mailbox.Change) {
			if !client.Connected() {
				return
			}
			slog.Debug("mailbox changed, announcing capabilities", "changes", len(changes))
			if err := client.SendCapabilitiesUpdate(ctx); err != nil {
				slog.Warn("capabilities update failed", "err", err)
			}
		})
		defer watcher.Stop()

		slog.Info("gateway client started", "ws_url", cfg.Connect.WSURL, "host", cfg.Connect.Host)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	var finished bool
	if *say != "" {
		g.Go(func() error {
			reply := conv.Converse(gctx, *say, conversation.Options{
				WaitForResponse: *wait,
				ChimeEnabled:    cfg.Audio.ChimesEnabled,
			})
			fmt.Println(reply)
			finished = true
			// One-shot mode: stop the runtime once the exchange is done,
			// unless a gateway connection should stay up.
			if !cfg.Connect.Enabled {
				stop()
			}
			return nil
		})
	} else if !cfg.Connect.Enabled {
		fmt.Fprintln(os.Stderr, "voicemode: nothing to do — pass -say or enable the gateway connection")
		return 1
	}

	if cfg.Connect.Enabled {
		slog.Info("runtime ready — press Ctrl+C to shut down")
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()

	// ── Shutdown ──────────────────────────────────────────────────────────────
	slog.Info("stopping…")
	if errors.Is(err, context.Canceled) && ctx.Err() != nil && !finished {
		// Interrupted by a signal before the work completed.
		slog.Info("goodbye")
		return 130
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════════╗")
	fmt.Println("║         VoiceMode — startup summary        ║")
	fmt.Println("╠════════════════════════════════════════════╣")
	printRow("TTS endpoints", fmt.Sprintf("%d configured", len(cfg.Providers.TTSBaseURLs)))
	printRow("STT endpoints", fmt.Sprintf("%d configured", len(cfg.Providers.STTBaseURLs)))
	printRow("Voice", firstOf(cfg.Providers.Voices))
	printRow("Streaming", onOff(cfg.Audio.StreamingEnabled))
	printRow("Barge-in", onOff(cfg.BargeIn.Enabled))
	printRow("Chimes", onOff(cfg.Audio.ChimesEnabled))
	printRow("Gateway", onOff(cfg.Connect.Enabled))
	printRow("Conch lock", onOff(cfg.Conch.Enabled))
	fmt.Println("╚════════════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	fmt.Printf("║  %-14s: %-26s ║\n", key, value)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func firstOf(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
