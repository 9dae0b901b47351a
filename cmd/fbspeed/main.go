package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/fbspeed/internal/app"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/report"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const exitInterrupted = 130

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runTest(os.Args[2:]))
		case "serve":
			os.Exit(serve(os.Args[2:]))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			os.Exit(checkConfig(*configPath))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	os.Exit(runTest(os.Args[1:]))
}

func runTest(args []string) int {
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := runCmd.String("config", "", "Path to config file (defaults when empty)")
	serverURL := runCmd.String("server", "", "Base URL of the speed test server")
	asJSON := runCmd.Bool("json", false, "Print the report as JSON")
	outPath := runCmd.String("o", "", "Also write the JSON report to this file")
	noProgress := runCmd.Bool("no-progress", false, "Do not draw the progress bar")
	_ = runCmd.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	if *serverURL != "" {
		parsed, err := url.Parse(*serverURL)
		if err != nil || parsed.Host == "" {
			fmt.Fprintf(os.Stderr, "invalid --server %q\n", *serverURL)
			return 2
		}
		cfg.Upstream = config.UpstreamConfig{Tag: parsed.Host, BaseURL: *serverURL}
	}
	logger := util.NewLoggerWith(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	stack, err := app.NewStack(cfg, nil, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			stack.Engine.Cancel()
		}
	}()

	progress := report.NewProgress(os.Stderr)
	progress.Disable = *noProgress
	rep, err := stack.Engine.Run(context.Background(), progress.Update)
	progress.Finish()
	switch {
	case errors.Is(err, engine.ErrCancelled):
		return exitInterrupted
	case err != nil:
		logger.Error("speed test failed", "error", err)
		return 1
	}

	if *asJSON {
		err = report.EncodeJSON(os.Stdout, rep)
	} else {
		err = report.WriteText(os.Stdout, rep)
	}
	if err != nil {
		logger.Error("print report", "error", err)
		return 1
	}
	if *outPath != "" {
		if err := report.WriteJSON(*outPath, rep); err != nil {
			logger.Error("save report", "path", *outPath, "error", err)
			return 1
		}
	}
	return 0
}

func serve(args []string) int {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := serveCmd.String("config", "", "Path to config file (defaults when empty)")
	_ = serveCmd.Parse(args)
	if *configPath == "" && serveCmd.NArg() > 0 {
		*configPath = serveCmd.Arg(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	logger := util.NewLoggerWith(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	supervisor := app.NewSupervisor(*configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	supervisor.Watch(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	cancel()
	supervisor.Stop()
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func checkConfig(path string) int {
	if path == "" {
		fmt.Fprintln(os.Stderr, "check needs --config <path>")
		return 2
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("config valid: upstream %s, upload mode %s, serving on %s\n",
		cfg.Upstream.Tag, cfg.Measurement.Upload.Mode, util.NetJoin(cfg.Server.BindAddr, cfg.Server.BindPort))
	return 0
}

func printHelp() {
	fmt.Print(`fbspeed - network speed test client and server

Usage:
  fbspeed run [--config <path>] [--server <url>] [--json] [-o <file>] [--no-progress]
                                  Run one speed test
  fbspeed serve [--config <path>] Serve the speed test endpoints and control plane
  fbspeed check --config <path>   Validate config file
  fbspeed help                    Show this help
  fbspeed version                 Print version

Without a subcommand fbspeed behaves like run.
`)
}
