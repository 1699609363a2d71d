package main

import (
	"context"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"

	"github.com/elum-utils/aiocensor/adapters/logger"
	"github.com/elum-utils/aiocensor/config"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "censor",
		Usage:   "content moderation pipeline: keyword rules, moderation providers and enforcement",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to YAML config file",
			Value:   "censor.yaml",
			EnvVars: []string{"CENSOR_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error); overrides the config file",
			EnvVars: []string{"CENSOR_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "human readable development logging",
			EnvVars: []string{"CENSOR_DEBUG"},
		},
	}
	app.Commands = []*cli.Command{
		cmdCheck,
		cmdServe,
		cmdRules,
	}
	return app.Run(args)
}

// setup loads the config file and builds the logger and the pipeline.
func setup(cctx *cli.Context) (*config.Config, *config.Runtime, *logger.Zap, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	if lvl := cctx.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	zl, err := logger.Build(cfg.Logging.Level, cfg.Logging.Development || cctx.Bool("debug"))
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewZap(zl)

	rt, err := config.Build(cctx.Context, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, rt, log, nil
}

func syncRules(ctx context.Context, rt *config.Runtime) error {
	if err := rt.Core.SyncOnce(ctx); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	return nil
}
