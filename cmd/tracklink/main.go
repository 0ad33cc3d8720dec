package main

import (
	"context"
	"fmt"
	"os"

	"tracklink/config"
	"tracklink/server"

	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("tracklink", pflag.ContinueOnError)
	fs.String("host", "0.0.0.0", "listener bind host")
	fs.Int("port", 5000, "listener bind port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	v := config.New()
	// flags only override when given explicitly
	_ = v.BindPFlag("listener.host", fs.Lookup("host"))
	_ = v.BindPFlag("listener.port", fs.Lookup("port"))

	// the config file comes from $TRACKLINK_CONFIG or ./config.yaml
	cfg, err := config.LoadWith(v, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var app server.App
	if err := app.Initialize(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
}
