package commands

import (
	"github.com/meshworks/fedsync/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for fedsync
var RootCmd = &cobra.Command{
	Use:              "fedsync",
	Short:            "federation synchronization engine",
	TraverseChildren: true,
}
