package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodePath81/lossmon/internal/app"
	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/device"
	"github.com/NodePath81/lossmon/internal/util"
	"github.com/NodePath81/lossmon/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runCollector(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "device":
			runDevice(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runCollector(*configPath)
}

func runCollector(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		util.NewLogger().Error("config invalid", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger := util.NewLeveledLogger(cfg.Log.Level)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				os.Exit(1)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func runDevice(args []string) {
	deviceCmd := flag.NewFlagSet("device", flag.ExitOnError)
	target := deviceCmd.String("target", "127.0.0.1:1911", "Collector address host:port")
	id := deviceCmd.Uint64("id", 0, "Device id")
	period := deviceCmd.Duration("period", time.Second, "Send period")
	echo := deviceCmd.Bool("echo", false, "Log every sent message")
	dropRate := deviceCmd.Float64("drop-rate", 0, "Probability of skipping a send, in [0, 1)")
	count := deviceCmd.Uint64("count", 0, "Stop after this many messages (0 = run forever)")
	serialStart := deviceCmd.Uint64("serial-start", 0, "First serial id")
	logLevel := deviceCmd.String("log-level", "info", "Log level")
	_ = deviceCmd.Parse(args)

	logger := util.NewLeveledLogger(*logLevel)
	dev, err := device.New(device.Config{
		DeviceID:    *id,
		Target:      *target,
		Period:      *period,
		Echo:        *echo,
		DropRate:    *dropRate,
		Count:       *count,
		SerialStart: *serialStart,
	}, logger)
	if err != nil {
		logger.Error("device config invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := dev.Run(ctx); err != nil {
		logger.Error("device failed", "error", err)
		os.Exit(1)
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	control := "disabled"
	if cfg.Control.IsEnabled() {
		control = util.NetJoin(cfg.Control.BindAddr, cfg.Control.BindPort)
	}
	fmt.Printf("config valid: ingest %s, report every %s, control %s\n",
		util.NetJoin(cfg.Ingest.BindAddr, cfg.Ingest.BindPort), cfg.Report.Interval.Duration(), control)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`lossmon - UDP telemetry loss estimator

Usage:
  lossmon run --config <path>     Start the collector
  lossmon check --config <path>   Validate config file
  lossmon device [flags]          Run a simulated device
  lossmon help                    Show this help
  lossmon version                 Print version

Device flags:
  -target host:port   Collector address (default 127.0.0.1:1911)
  -id N               Device id
  -period D           Send period (default 1s)
  -echo               Log every sent message
  -drop-rate P        Skip sends with probability P
  -count N            Stop after N messages
  -serial-start N     First serial id

Signals:
  SIGHUP reloads the config and restarts with empty state.

Legacy:
  lossmon --config <path>
  lossmon <config-path>
`)
}
