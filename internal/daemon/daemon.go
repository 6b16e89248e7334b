// Package daemon implements the bot process. It wires channels to the
// router, runs them until shutdown, and serves health and activity endpoints.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/spp/internal/channel/matrix"
	"github.com/nous-labs/spp/internal/channel/slack"
	"github.com/nous-labs/spp/internal/llm"
	"github.com/nous-labs/spp/internal/router"
	"github.com/nous-labs/spp/pkg/channel"
	coredaemon "github.com/nous-labs/spp/pkg/daemon"
)

// Daemon is the main bot process.
type Daemon struct {
	config   *Config
	gateway  *llm.Gateway
	channels []channel.Channel
	routers  map[string]*router.Router
	events   *coredaemon.EventBus

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a daemon with the Slack channel, plus Matrix when configured.
func New(cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return nil, err
	}

	sl, err := slack.New(slack.Config{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		Debug:    cfg.Slack.Debug,
	})
	if err != nil {
		return nil, err
	}
	channels := []channel.Channel{sl}

	mcfg := matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		Password:     cfg.Matrix.Password,
		ServerName:   cfg.Matrix.ServerName,
		AllowedUsers: cfg.Matrix.AllowedUsers,
	}
	if mcfg.Enabled() {
		channels = append(channels, matrix.New(mcfg))
		slog.Info("matrix channel configured", "homeserver", mcfg.Homeserver)
	}

	return newDaemon(cfg, gw, channels), nil
}

// newDaemon assembles a daemon from already built parts.
func newDaemon(cfg *Config, gw *llm.Gateway, channels []channel.Channel) *Daemon {
	d := &Daemon{
		config:    cfg,
		gateway:   gw,
		channels:  channels,
		routers:   make(map[string]*router.Router, len(channels)),
		events:    coredaemon.NewEventBus(200),
		startedAt: time.Now(),
	}
	for _, ch := range channels {
		d.routers[ch.Name()] = router.New(gw,
			router.WithMention(ch.Mention),
			router.WithLogger(slog.Default().With("channel", ch.Name())),
		)
	}
	return d
}

// newGateway builds the LLM gateway for the configured provider.
func newGateway(cfg *Config) (*llm.Gateway, error) {
	timeout, err := cfg.LLMTimeout()
	if err != nil {
		return nil, err
	}

	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "anthropic":
		provider = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:     cfg.LLM.Anthropic.APIKey,
			Model:      cfg.LLM.Anthropic.Model,
			BaseURL:    cfg.LLM.Anthropic.BaseURL,
			MaxTokens:  cfg.LLM.Anthropic.MaxTokens,
			HTTPClient: &http.Client{Timeout: timeout},
		})
	default:
		provider = llm.NewGemini(llm.GeminiConfig{
			APIKey:  cfg.LLM.Gemini.APIKey,
			BaseURL: cfg.LLM.Gemini.BaseURL,
			Model:   cfg.LLM.Gemini.Model,
			Timeout: timeout,
		})
	}

	if provider.Configured() {
		slog.Info("LLM provider configured", "provider", provider.Name())
	} else {
		slog.Warn("LLM API key not set, open-ended replies will be offline", "provider", provider.Name())
	}
	return llm.NewGateway(provider, slog.Default()), nil
}

// Run starts every channel and the HTTP API. Blocks until ctx is cancelled
// or a channel fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("spp daemon running", "config", d.config)

	g, gctx := errgroup.WithContext(ctx)

	if d.config.HTTPAddr != "" {
		srv := &http.Server{Addr: d.config.HTTPAddr, Handler: d.mux()}
		g.Go(func() error {
			slog.Info("API listening", "addr", d.config.HTTPAddr, "endpoints", []string{"/health", "/v1/events"})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, ch := range d.channels {
		g.Go(func() error {
			slog.Info("starting channel", "channel", ch.Name())
			d.events.Publish(coredaemon.Event{Type: coredaemon.EventStatus, Source: ch.Name(), Message: "channel starting"})
			if err := ch.Start(gctx, d.handlerFor(ch.Name())); err != nil && gctx.Err() == nil {
				return fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
			return nil
		})
	}

	d.healthy.Store(true)
	err := g.Wait()
	d.healthy.Store(false)

	for _, ch := range d.channels {
		if stopErr := ch.Stop(); stopErr != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", stopErr)
		}
	}

	slog.Info("spp daemon shutting down")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handlerFor returns the event handler for the named channel. Events are
// handled synchronously; each channel delivers them one at a time.
func (d *Daemon) handlerFor(name string) channel.Handler {
	rt := d.routers[name]
	return func(ctx context.Context, evt channel.Event, reply channel.ReplyFunc) error {
		decision, err := rt.Handle(ctx, evt, reply)
		if decision.Intent != router.IntentNone {
			d.events.Publish(coredaemon.Event{
				Type:   coredaemon.EventRoute,
				Source: evt.Source,
				Kind:   evt.Kind.String(),
				Intent: string(decision.Intent),
			})
		}
		if err != nil {
			d.events.Publish(coredaemon.Event{Type: coredaemon.EventError, Source: evt.Source, Message: err.Error()})
			return fmt.Errorf("send reply: %w", err)
		}
		return nil
	}
}

func (d *Daemon) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/events", d.handleEvents)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents streams routing activity as Server-Sent Events.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := d.events.Subscribe()
	defer cancel()

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}
