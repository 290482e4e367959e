package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/rexit/pkg/connector"
)

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Print an example config file",
	Action: cmdConfig,
}

func cmdConfig(ctx *cli.Context) error {
	fmt.Print(connector.ExampleConfig)
	return nil
}
