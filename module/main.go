// Package main is a module with a landmark localizer service model, plus a replay command line.
package main

import (
	"context"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("landmark-localizer"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	cmd := newRootCommand(logger)
	if len(args) > 0 {
		args = args[1:]
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
