package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/facontrol/facontrol/pkg/facontrol"
	"github.com/facontrol/facontrol/pkg/facontrol/util"
)

// deviceOps are the operations shared by the master output and the microphone
type deviceOps struct {
	getVolume  func() (float64, error)
	setVolume  func(v float64) error
	isMuted    func() (bool, error)
	setMute    func(muted bool) error
	toggleMute func() (bool, error)
}

func (env *cliEnv) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "platform",
			Usage: "print the audio backend in use: windows, linux or unsupported",
			Action: func(c *cli.Context) error {
				return env.print(facontrol.GetPlatform(), map[string]string{"platform": facontrol.GetPlatform()})
			},
		},
		env.deviceCommand("master", "control the default output device", func() deviceOps {
			return deviceOps{
				getVolume:  env.controller.GetMasterVolume,
				setVolume:  env.controller.SetMasterVolume,
				isMuted:    env.controller.IsMasterMuted,
				setMute:    env.controller.SetMasterMute,
				toggleMute: env.controller.ToggleMasterMute,
			}
		}),
		env.deviceCommand("mic", "control the default input device", func() deviceOps {
			return deviceOps{
				getVolume:  env.controller.GetMicrophoneVolume,
				setVolume:  env.controller.SetMicrophoneVolume,
				isMuted:    env.controller.IsMicrophoneMuted,
				setMute:    env.controller.SetMicrophoneMute,
				toggleMute: env.controller.ToggleMicrophoneMute,
			}
		}),
		env.appCommand(),
		{
			Name:  "devices",
			Usage: "list output and input devices",
			Action: func(c *cli.Context) error {
				devices, err := env.controller.GetAudioDevices()
				if err != nil {
					return err
				}

				if env.jsonOutput {
					return env.printJSON(devices)
				}

				w := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tDEFAULT\tNAME\tDESCRIPTION")
				for _, d := range devices {
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", d.Type, d.Default, d.Name, d.Description)
				}

				return w.Flush()
			},
		},
		{
			Name:  "serve",
			Usage: "expose every operation over localhost HTTP, with an EventSource stream of active apps",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "address",
					Usage: "listen address, overrides serve.address from the config",
				},
			},
			Action: env.serve,
		},
	}
}

// deviceCommand builds the get/set/muted/mute/toggle tree. ops is resolved lazily since the controller only exists after setup
func (env *cliEnv) deviceCommand(name string, usage string, ops func() deviceOps) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "print the volume, 0.0 to 1.0",
				Action: func(c *cli.Context) error {
					v, err := ops().getVolume()
					if err != nil {
						return err
					}

					return env.printVolume(v)
				},
			},
			{
				Name:      "set",
				Usage:     "set the volume, 0.0 to 1.0",
				ArgsUsage: "<volume>",
				Action: func(c *cli.Context) error {
					v, err := volumeArg(c, 0)
					if err != nil {
						return err
					}

					return ops().setVolume(v)
				},
			},
			{
				Name:  "muted",
				Usage: "print whether it's muted",
				Action: func(c *cli.Context) error {
					muted, err := ops().isMuted()
					if err != nil {
						return err
					}

					return env.printMuted(muted)
				},
			},
			{
				Name:      "mute",
				Usage:     "mute or unmute",
				ArgsUsage: "<true|false>",
				Action: func(c *cli.Context) error {
					muted, err := boolArg(c, 0)
					if err != nil {
						return err
					}

					return ops().setMute(muted)
				},
			},
			{
				Name:  "toggle",
				Usage: "flip the mute state and print the new one",
				Action: func(c *cli.Context) error {
					muted, err := ops().toggleMute()
					if err != nil {
						return err
					}

					return env.printMuted(muted)
				},
			},
		},
	}
}

func (env *cliEnv) appCommand() *cli.Command {
	return &cli.Command{
		Name:  "app",
		Usage: "control a single application's audio session, addressed by pid (or stream index when it has none)",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the app's volume",
				ArgsUsage: "<pid>",
				Action: func(c *cli.Context) error {
					pid, err := pidArg(c, 0)
					if err != nil {
						return err
					}

					v, err := env.controller.GetAppVolume(pid)
					if err != nil {
						return err
					}

					return env.printVolume(v)
				},
			},
			{
				Name:      "set",
				Usage:     "set the app's volume",
				ArgsUsage: "<pid> <volume>",
				Action: func(c *cli.Context) error {
					pid, err := pidArg(c, 0)
					if err != nil {
						return err
					}

					v, err := volumeArg(c, 1)
					if err != nil {
						return err
					}

					_, err = env.controller.SetAppVolume(pid, v)
					return err
				},
			},
			{
				Name:      "muted",
				Usage:     "print whether the app is muted",
				ArgsUsage: "<pid>",
				Action: func(c *cli.Context) error {
					pid, err := pidArg(c, 0)
					if err != nil {
						return err
					}

					muted, err := env.controller.IsAppMuted(pid)
					if err != nil {
						return err
					}

					return env.printMuted(muted)
				},
			},
			{
				Name:      "mute",
				Usage:     "mute or unmute the app",
				ArgsUsage: "<pid> <true|false>",
				Action: func(c *cli.Context) error {
					pid, err := pidArg(c, 0)
					if err != nil {
						return err
					}

					muted, err := boolArg(c, 1)
					if err != nil {
						return err
					}

					return env.controller.SetAppMute(pid, muted)
				},
			},
			{
				Name:  "list",
				Usage: "list every active audio session",
				Action: func(c *cli.Context) error {
					apps, err := env.controller.GetActiveAudioApps()
					if err != nil {
						return err
					}

					if env.jsonOutput {
						return env.printJSON(apps)
					}

					w := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "PID\tVOLUME\tMUTED\tNAME")
					for _, app := range apps {
						fmt.Fprintf(w, "%d\t%.2f\t%t\t%s\n", app.PID, app.Volume, app.Muted, app.Name)
					}

					return w.Flush()
				},
			},
		},
	}
}

func (env *cliEnv) serve(c *cli.Context) error {
	address := c.String("address")
	if address == "" {
		address = env.config.Current().Serve.Address
	}

	server := facontrol.NewServer(env.controller, env.config, env.logger)
	if err := server.Start(address); err != nil {
		return err
	}

	go env.config.WatchConfigFileChanges()

	signal := <-util.SetupCloseHandler()
	env.logger.Debugw("Interrupted", "signal", signal)

	server.Stop()
	env.config.StopWatchingConfigFile()

	return nil
}

func (env *cliEnv) printVolume(v float64) error {
	return env.print(strconv.FormatFloat(v, 'f', 2, 64), map[string]float64{"volume": v})
}

func (env *cliEnv) printMuted(muted bool) error {
	return env.print(strconv.FormatBool(muted), map[string]bool{"muted": muted})
}

func (env *cliEnv) print(plain string, structured interface{}) error {
	if env.jsonOutput {
		return env.printJSON(structured)
	}

	_, err := fmt.Fprintln(env.out, plain)
	return err
}

func (env *cliEnv) printJSON(v interface{}) error {
	encoder := json.NewEncoder(env.out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

func arg(c *cli.Context, idx int) (string, error) {
	if c.Args().Len() <= idx {
		return "", facontrol.InvalidArgument.New("missing argument %d, usage: %s %s", idx+1, c.Command.FullName(), c.Command.ArgsUsage)
	}

	return strings.TrimSpace(c.Args().Get(idx)), nil
}

func volumeArg(c *cli.Context, idx int) (float64, error) {
	raw, err := arg(c, idx)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, facontrol.InvalidArgument.New("invalid volume %q", raw)
	}

	return v, nil
}

func boolArg(c *cli.Context, idx int) (bool, error) {
	raw, err := arg(c, idx)
	if err != nil {
		return false, err
	}

	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, facontrol.InvalidArgument.New("invalid boolean %q, expected true or false", raw)
	}

	return b, nil
}

func pidArg(c *cli.Context, idx int) (uint32, error) {
	raw, err := arg(c, idx)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, facontrol.InvalidArgument.New("invalid pid %q", raw)
	}

	return uint32(pid), nil
}
