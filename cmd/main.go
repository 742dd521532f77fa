package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	cfgPkg "github.com/xhad/pressroom/pkg/config"
	"github.com/xhad/pressroom/pkg/logger"
)

type Options struct {
	ConfigPath string
	DBUrl      string
	Addr       string
	UserID     string
	Render     bool
	Submit     bool
	Serve      bool
	Args       []string
}

func main() {
	opts := parseFlags()

	if err := run(opts); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func parseFlags() Options {
	var opts Options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&opts.DBUrl, "db-url", "", "PostgreSQL connection string (overrides config)")
	flag.StringVar(&opts.Addr, "addr", "", "HTTP listen address for -serve (overrides config)")
	flag.StringVar(&opts.UserID, "user", "", "Submitting user id for -submit")
	flag.BoolVar(&opts.Render, "render", false, "Render markdown files to HTML and print their table of contents")
	flag.BoolVar(&opts.Submit, "submit", false, "Submit files through the upload pipeline")
	flag.BoolVar(&opts.Serve, "serve", false, "Run the HTTP server")
	flag.Parse()

	opts.Args = flag.Args()
	return opts
}

func run(opts Options) error {
	config, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, err := logger.New(config.Log.Level, config.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	switch {
	case opts.Render:
		return runRender(opts.Args)
	case opts.Submit:
		return runSubmit(config, log, opts.UserID, opts.Args)
	case opts.Serve:
		return runServe(config, log)
	default:
		flag.Usage()
		return fmt.Errorf("one of -render, -submit or -serve is required")
	}
}

func loadConfig(opts Options) (*cfgPkg.Config, error) {
	config, err := cfgPkg.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Command line flags win over the file and the environment
	if opts.DBUrl != "" {
		config.Database.URL = opts.DBUrl
	}
	if opts.Addr != "" {
		config.Server.Addr = opts.Addr
	}

	if errs := config.Validate(); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
	}
	return config, nil
}
