package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/named-data/ndncert/ca"
)

const version = "v0.1.0"

var root = &cobra.Command{
	Use:     "ndncert",
	Short:   "NDN Certification Authority",
	Version: version,
}

func init() {
	cobra.EnableCommandSorting = false
	root.CompletionOptions.HiddenDefaultCmd = true
	root.PersistentFlags().BoolP("help", "h", false, "Print usage")
	root.PersistentFlags().Lookup("help").Hidden = true

	root.AddGroup(&cobra.Group{ID: "run", Title: "CA Daemon"})
	root.AddCommand(ca.CmdCa)
}

func main() {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
