package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/adapters/llm"
	"github.com/ariavoice/aria/internal/adapters/rtc"
	"github.com/ariavoice/aria/internal/adapters/stt"
	"github.com/ariavoice/aria/internal/adapters/tts"
	"github.com/ariavoice/aria/internal/app"
	"github.com/ariavoice/aria/internal/app/pipeline"
	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/observability"
	router "github.com/ariavoice/aria/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	recognition, err := stt.NewDeepgramProvider(stt.DeepgramConfig{
		APIKey:        cfg.Deepgram.APIKey,
		Model:         cfg.Deepgram.STTModel,
		EndpointingMS: cfg.Deepgram.EndpointingMS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("recognition provider")
	}
	generation, err := llm.NewGroqProvider(llm.GroqConfig{
		APIKey:      cfg.Groq.APIKey,
		Model:       cfg.Groq.Model,
		MaxTokens:   cfg.Groq.MaxTokens,
		Temperature: &cfg.Groq.Temperature,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("generation provider")
	}
	synthesis, err := tts.NewDeepgramProvider(tts.DeepgramConfig{
		APIKey: cfg.Deepgram.APIKey,
		Model:  cfg.Deepgram.TTSModel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("synthesis provider")
	}

	webrtcCfg := rtc.DefaultWebRTCConfig()
	if len(cfg.ICEURLs) > 0 {
		webrtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEURLs}}
	}
	connect := func(sid core.SessionID) (core.MediaConnection, error) {
		return rtc.NewConnection(webrtcCfg, sid)
	}

	metrics := observability.NewMetrics("aria")
	reg := app.NewRegistry()
	sig := app.NewSignaling(ctx, reg, connect, pipeline.Providers{
		Recognition: recognition,
		Generation:  generation,
		Synthesis:   synthesis,
	}, metrics, app.SignalingConfig{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Greeting:     cfg.Agent.Greeting,
		IdleTimeout:  cfg.IdleTime,
		Pipeline: pipeline.Config{
			EdgeCapacity: cfg.Pipeline.EdgeCapacity,
			CallTimeout:  cfg.Pipeline.CallTimeout,
			Apology:      cfg.Agent.Apology,
		},
	})

	r := router.SetupRouter(cfg, sig)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Aria server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := sig.CloseAll(); err != nil {
		log.Error().Err(err).Msg("session teardown")
	}
	log.Info().Msg("Server exited gracefully")
}
