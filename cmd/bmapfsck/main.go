package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vorteil/bmapfs/pkg/elog"
)

var log elog.Logger

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logrus.SetLevel(logrus.TraceLevel)
		cli := &elog.CLI{}
		if flagDebug {
			cli.IsDebug = true
			cli.IsVerbose = true
		} else if flagVerbose {
			cli.IsVerbose = true
		}
		log = cli
		return nil
	}

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(bitmapCmd)
	rootCmd.AddCommand(inspectCmd)
}
