package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generators for coapnode documentation",
	Long:  `Generators for coapnode documentation`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
