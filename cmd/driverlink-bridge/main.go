package main

import (
	"log"
	"os"

	"github.com/mus65/driverlink/bridge"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "driverlink-bridge",
		Usage: "serve automation driver sessions over websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:4444",
			},
			&cli.StringFlag{
				Name:     "driver",
				Usage:    "The driver command to launch for each session.",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "driver-arg",
				Usage: "An argument passed to the driver command. May be repeated.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			var logger *zap.Logger
			var err error
			if ctx.Bool("verbose") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}

			server, err := bridge.NewServer(
				ctx.String("driver"),
				bridge.WithDriverArgs(ctx.StringSlice("driver-arg")...),
				bridge.WithListenAddr(ctx.String("listen-addr")),
				bridge.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			return server.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
