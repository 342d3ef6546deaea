package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/facontrol/facontrol/pkg/facontrol"
	"github.com/facontrol/facontrol/pkg/facontrol/util"
)

var buildVersion = "dev"

const (
	exitOK                  = 0
	exitFailure             = 1
	exitInvalidArgument     = 2
	exitNotFound            = 3
	exitTimeout             = 4
	exitConnection          = 5
	exitUnavailable         = 6
	exitPlatformUnsupported = 7
)

// cliEnv is everything the commands share. It's populated in Before, once flags are parsed
type cliEnv struct {
	out io.Writer

	logger     *zap.SugaredLogger
	config     *facontrol.CanonicalConfig
	controller *facontrol.Controller

	jsonOutput bool
}

func main() {
	app := newApp(os.Stdout)

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newApp(out io.Writer) *cli.App {
	env := &cliEnv{out: out}

	app := &cli.App{
		Name:     "facontrol",
		HelpName: "facontrol",
		Usage:    "per-application and per-device audio volume control",
		Version:  buildVersion,
		Writer:   out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				EnvVars: []string{"FACONTROL_CONFIG"},
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "specify the yaml configuration location (default: ./facontrol.yaml, if present)",
			},
			&cli.StringFlag{
				EnvVars: []string{"FACONTROL_LOG_LEVEL"},
				Name:    "log_level",
				Aliases: []string{"l"},
				Usage:   "debug, info, warn, error",
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print results as JSON",
			},
		},
		Before:       env.setup,
		After:        env.teardown,
		Commands:     env.commands(),
		OnUsageError: usageError,
	}

	setUsageErrorHandler(app.Commands)

	return app
}

// usageError turns flag parsing failures, e.g. a negative volume read as a flag, into invalid arguments
func usageError(c *cli.Context, err error, isSubcommand bool) error {
	return facontrol.InvalidArgument.Wrap(err, "incorrect usage")
}

func setUsageErrorHandler(commands []*cli.Command) {
	for _, command := range commands {
		command.OnUsageError = usageError
		setUsageErrorHandler(command.Subcommands)
	}
}

func (env *cliEnv) setup(c *cli.Context) error {
	logger, err := facontrol.NewLogger(c.String("log_level"))
	if err != nil {
		return facontrol.InvalidArgument.Wrap(err, "create logger")
	}

	configPath := c.String("config")
	if configPath != "" && !util.FileExists(configPath) {
		return facontrol.InvalidArgument.New("config file %s doesn't exist", configPath)
	}

	config, err := facontrol.NewConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	if err := config.Load(); err != nil {
		return facontrol.InvalidArgument.Wrap(err, "load config")
	}

	env.logger = logger
	env.config = config
	env.controller = facontrol.NewController(logger, config)
	env.jsonOutput = c.Bool("json")

	return nil
}

func (env *cliEnv) teardown(c *cli.Context) error {
	if env.logger != nil {
		// stderr can't always be synced, nothing to do about it
		_ = env.logger.Sync()
	}

	return nil
}

// exitCode maps an error's kind to the process exit status
func exitCode(err error) int {
	switch facontrol.ErrorKind(err) {
	case "":
		return exitOK
	case facontrol.KindInvalidArgument:
		return exitInvalidArgument
	case facontrol.KindNotFound:
		return exitNotFound
	case facontrol.KindTimeout:
		return exitTimeout
	case facontrol.KindConnection:
		return exitConnection
	case facontrol.KindUnavailable:
		return exitUnavailable
	case facontrol.KindPlatformUnsupported:
		return exitPlatformUnsupported
	default:
		return exitFailure
	}
}
