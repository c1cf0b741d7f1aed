package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/im-fanout-service/config"
)

const (
	ServiceName      = "im-fanout-service"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Real-time message fan-out and delivery tracking",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			versionCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:      "server",
		Aliases:   []string{"s"},
		Usage:     "Run the HTTP/WebSocket server",
		ArgsUsage: "[-- --service.addr=:8080 --log.level=debug ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config_file",
				Usage:   "Path to the configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG_FILE"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"), c.Args().Slice())
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("SHUTTING_DOWN")
			stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancelStop()
			return app.Stop(stopCtx)
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			_, err := c.App.Writer.Write([]byte(
				"version: " + version + "\n" +
					"commit: " + commit + "\n" +
					"commit_date: " + commitDate + "\n" +
					"branch: " + branch + "\n" +
					"build: " + buildTimestamp + "\n"))
			return err
		},
	}
}
