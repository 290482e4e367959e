package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/rexit/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyMetrics
	contextKeyClient
)

// Output layout below --out.
const (
	messagesDir   = "messages"
	savedPostsDir = "saved_posts"
	imagesDir     = "images"
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getMetrics(ctx *cli.Context) *connector.Metrics {
	return ctx.Context.Value(contextKeyMetrics).(*connector.Metrics)
}

func getClient(ctx *cli.Context) *connector.Client {
	val := ctx.Context.Value(contextKeyClient)
	if val == nil {
		return nil
	}
	return val.(*connector.Client)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx.Context)
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		Level(level).
		With().Timestamp().Logger()
}

// prepareApp loads the config, applies flag overrides and sets up logging,
// metrics and the output directory.
func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.Bool("no-usernames") {
		cfg.Anonymize = true
	}
	if ctx.IsSet("room-workers") {
		cfg.RoomWorkers = ctx.Int("room-workers")
	}
	if ctx.IsSet("media-workers") {
		cfg.MediaWorkers = ctx.Int("media-workers")
	}
	if ctx.Bool("debug") {
		cfg.LogLevel = zerolog.DebugLevel.String()
	}
	if err = cfg.PostProcess(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := newLogger(cfg.Level())

	out := ctx.String("out")
	for _, dir := range []string{
		out,
		filepath.Join(out, messagesDir, imagesDir),
		filepath.Join(out, savedPostsDir, imagesDir),
	} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := connector.NewMetrics(reg)
	if addr := ctx.String("metrics-listen"); addr != "" {
		if err = serveMetrics(ctx.Context, addr, reg, log); err != nil {
			return err
		}
	}

	newCtx := log.WithContext(ctx.Context)
	newCtx = context.WithValue(newCtx, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyMetrics, metrics)
	ctx.Context = newCtx
	return nil
}

// requiresAuth prepares the app and builds a client from the bearer token.
func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	token, err := resolveToken(ctx)
	if err != nil {
		return err
	}
	cfg := getConfig(ctx)
	client, err := connector.NewClient(connector.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		MediaURL:      cfg.MediaURL,
		AccessToken:   token,
		Timeout:       cfg.RequestTimeout,
		Log:           getLogger(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, client)
	return nil
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	log.Info().Str("addr", listener.Addr().String()).Msg("Serving metrics")
	return nil
}

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML config file",
	},
	&cli.StringFlag{
		Name:    "formats",
		Aliases: []string{"f"},
		Usage:   "Comma-separated export formats: txt, json, csv",
		Value:   "txt",
	},
	&cli.BoolFlag{
		Name:    "images",
		Aliases: []string{"i"},
		Usage:   "Download images too",
	},
	&cli.StringFlag{
		Name:    "out",
		Aliases: []string{"o"},
		Usage:   "Output directory",
		Value:   "./out",
	},
	&cli.StringFlag{
		Name:    "token",
		Aliases: []string{"t"},
		Usage:   "Bearer token of the chat session (prompted for when empty)",
		EnvVars: []string{"REXIT_TOKEN"},
	},
	&cli.BoolFlag{
		Name:  "no-usernames",
		Usage: "Replace every author with a placeholder",
	},
	&cli.IntFlag{
		Name:  "room-workers",
		Usage: "Number of rooms synchronized at once",
	},
	&cli.IntFlag{
		Name:  "media-workers",
		Usage: "Number of media downloads in flight per room",
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	},
	&cli.StringFlag{
		Name:  "metrics-listen",
		Usage: "Address to serve Prometheus metrics on, e.g. 127.0.0.1:9090",
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app := &cli.App{
		Name:    "rexit",
		Usage:   "Export Reddit chat history and saved posts",
		Version: "0.1.0",
		Flags:   globalFlags,
		Commands: []*cli.Command{
			messagesCommand,
			savedCommand,
			whoamiCommand,
			configCommand,
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
