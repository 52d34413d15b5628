package main

import (
	"context"
	"os"

	"github.com/platinummonkey/hangar/pkg/cli"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	code = cli.ExitError
	defer observability.RecoverPanic(logger, "hangar")

	code = cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	return code
}
