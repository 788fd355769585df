package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags "-X crmflow/cmd/cli.version=..." 注入
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the crmflow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crmflow %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
