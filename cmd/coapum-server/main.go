// coapum-server is a small example binary demonstrating route
// registration, Path/Json extraction and an observable resource, wired
// through cobra the way the example pack's other daemons are.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaredwolff/coapum"
	"github.com/jaredwolff/coapum/codec"
	"github.com/jaredwolff/coapum/config"
	"github.com/jaredwolff/coapum/extract"
	"github.com/jaredwolff/coapum/internal/log"
	"github.com/jaredwolff/coapum/observe"
	"github.com/jaredwolff/coapum/session"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coapum-server",
		Short: "Example coapum CoAP server",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	return cmd
}

// deviceID names the template capture a device route binds to.
type deviceID string

func (deviceID) CoapPathName() string { return "id" }

type temperatureReading struct {
	Temp float32 `json:"temp"`
}

// sessionID names the UUID capture on the firmware-session route; it
// embeds uuid.UUID so Path[T]'s encoding.TextUnmarshaler fallback parses
// the captured segment directly.
type sessionID struct {
	uuid.UUID
}

func (sessionID) CoapPathName() string { return "session" }

func sessionHandler(id extract.Path[sessionID]) extract.Response {
	return extract.BytesResponse(codec.CodeContent, codec.MediaTextPlain, []byte(id.Value.String()))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	base := logrus.New()
	level, lerr := logrus.ParseLevel(cfg.Log.Level)
	if lerr == nil {
		base.SetLevel(level)
	}
	logger := log.NewLogrusLogger(base, logrus.Fields{"component": "coapum-server"})

	var store observe.Store
	switch cfg.Observer.Backend {
	case "bolt":
		store, err = observe.OpenBoltStore(cfg.Observer.BoltPath)
	default:
		store = observe.NewMemoryStore()
	}
	if err != nil {
		return fmt.Errorf("open observer store: %w", err)
	}

	builder := coapum.NewBuilder().WithLogger(logger).WithSkipUnchanged("temp")
	builder.Add([]coapum.Method{coapum.GET}, "/hello", helloHandler)
	builder.Add([]coapum.Method{coapum.POST}, "/device/:id", deviceUpdateHandler)
	builder.Add([]coapum.Method{coapum.GET}, "/firmware/:session", sessionHandler)
	builder.AddObserve("/sensor", sensorGetHandler, sensorNotifyHandler, coapum.NotifyConfirmable)

	srv, err := builder.Build(store)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	srv.WithSessionConfig(session.Config{
		AckTimeout:       cfg.CoAP.AckTimeout,
		AckRandomFactor:  cfg.CoAP.AckRandomFactor,
		MaxRetransmit:    cfg.CoAP.MaxRetransmit,
		NStart:           cfg.CoAP.NStart,
		ExchangeLifetime: cfg.CoAP.ExchangeLifetime,
		MaxMessageSize:   cfg.CoAP.MaxMessageSize,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Printf("coapum-server listening on %s", cfg.Addr)
	return srv.ListenAndServe(ctx, cfg.Addr, cfg.CoAP.MaxMessageSize)
}

func helloHandler() extract.Response {
	return extract.BytesResponse(codec.CodeContent, codec.MediaTextPlain, []byte("world"))
}

func deviceUpdateHandler(id extract.Path[deviceID], body extract.Json[temperatureReading]) extract.Response {
	_ = id
	_ = body
	return extract.Status(codec.CodeChanged)
}

func sensorGetHandler() (extract.Response, error) {
	return extract.JSONResponse(codec.CodeContent, map[string]float32{"temp": 21.5})
}

func sensorNotifyHandler() (extract.Response, error) {
	return extract.JSONResponse(codec.CodeContent, map[string]float32{"temp": 22.0})
}
