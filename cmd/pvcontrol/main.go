// Command pvcontrol runs the PV-surplus EV charge controller: it wires the
// meter, wallbox, phase relay and car adapters selected on the command line
// into a ChargeController, schedules its control loop, and serves the
// HTTP/JSON control surface and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/core"
	"github.com/stephanme/pvcontrol/internal/config"
	"github.com/stephanme/pvcontrol/server"
	"github.com/stephanme/pvcontrol/util"
)

var log = util.NewLogger("main")

// version is stamped at build time via:
//
//	go build -ldflags "-X main.version=$(git describe --tags)"
//
// and surfaced on the root aggregate endpoint, per spec.md 9.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		host       string
		port       int
		basehref   string
		hostname   string
		loglevel   string
		meterKind  string
		wallboxKind string
		carKind    string
		staticDir  string
	)

	cmd := &cobra.Command{
		Use:   "pvcontrol",
		Short: "PV-surplus aware EV charge controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			bindFlags(v, cmd)

			var cfg config.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("decoding config: %w", err)
			}
			config.ApplyLogLevel(cfg.LogLevel)

			return run(cfg, staticDir)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a JSON config file")
	flags.StringVar(&host, "host", "0.0.0.0", "HTTP listen address")
	flags.IntVar(&port, "port", 8080, "HTTP listen port")
	flags.StringVar(&basehref, "basehref", "", "URL prefix the UI is served under")
	flags.StringVar(&hostname, "hostname", "", "override os.Hostname() for the phase-relay installed_on_host check")
	flags.StringVar(&loglevel, "loglevel", "INFO", "FATAL|ERROR|WARN|INFO|DEBUG|TRACE")
	flags.StringVar(&meterKind, "meter", "simulated", "simulated|test|failing")
	flags.StringVar(&wallboxKind, "wallbox", "simulated", "simulated|http")
	flags.StringVar(&carKind, "car", "simulated", "simulated|none|disabled")
	flags.StringVar(&staticDir, "static-dir", "", "directory serving the UI bundle; empty disables it")

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	_ = v.BindPFlags(cmd.Flags())
}

func run(cfg config.Config, staticDir string) error {
	hostname := core.Hostname(cfg.Hostname)
	relay := core.NewPhaseRelay(hostname, cfg.RelayConfig)

	wallbox, err := buildWallbox(cfg, relay)
	if err != nil {
		return err
	}
	meter, err := buildMeter(cfg, wallbox)
	if err != nil {
		return err
	}
	car, err := buildCar(cfg)
	if err != nil {
		return err
	}

	controller := core.NewChargeController(cfg.ControllerConfig, meter, wallbox, relay, car)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	controllerSched := core.NewScheduler("controller", clk, time.Duration(cfg.ControllerConfig.CycleTimeSeconds)*time.Second, controller.Run)
	carSched := core.NewScheduler("car", clk, time.Duration(cfg.CarConfig.CycleTimeSeconds)*time.Second, func() { car.ReadData() })
	controllerSched.Start()
	carSched.Start()

	svc := server.Services{
		Version:    version,
		Controller: controller,
		Meter:      meter,
		Wallbox:    wallbox,
		Relay:      relay,
		Car:        car,
		BaseHref:   cfg.BaseHref,
	}
	if sw, ok := wallbox.(*core.SimulatedWallbox); ok {
		svc.SimulatedWallbox = sw
	}
	if tm, ok := meter.(*core.TestMeter); ok {
		svc.TestMeter = tm
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.NewHandler(svc, staticDir)}

	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")

	carSched.Stop()
	controllerSched.Stop()
	controller.Shutdown()
	wallbox.Close()
	meter.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildWallbox(cfg config.Config, relay api.PhaseRelay) (api.Wallbox, error) {
	switch cfg.Wallbox {
	case "http":
		return core.NewHTTPStatusWallbox(cfg.HTTPWallbox, relay), nil
	case "simulated":
		return core.NewSimulatedWallbox(cfg.WallboxConfig, relay, cfg.ControllerConfig.LineVoltage), nil
	default:
		return nil, fmt.Errorf("unknown wallbox kind %q", cfg.Wallbox)
	}
}

func buildMeter(cfg config.Config, wallbox api.Wallbox) (api.Meter, error) {
	switch cfg.Meter {
	case "simulated":
		return core.NewSimulatedMeter(wallbox, cfg.BatteryMaxW), nil
	case "test":
		return core.NewTestMeter(wallbox), nil
	case "failing":
		return core.NewFailingMeter(), nil
	default:
		return nil, fmt.Errorf("unknown meter kind %q", cfg.Meter)
	}
}

func buildCar(cfg config.Config) (api.Car, error) {
	switch cfg.Car {
	case "simulated":
		return core.NewSimulatedCar(cfg.CarConfig), nil
	case "none":
		return core.NewNoCar(cfg.CarConfig), nil
	case "disabled":
		return core.NewDisabledCar(cfg.CarConfig), nil
	default:
		return nil, fmt.Errorf("unknown car kind %q", cfg.Car)
	}
}
