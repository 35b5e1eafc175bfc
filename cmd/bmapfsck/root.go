package main

import "github.com/spf13/cobra"

var (
	flagVerbose bool
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "bmapfsck",
	Short: "Read-only inspector for a bmapfs volume",
	Long: `bmapfsck decomposes logical block offsets, dumps block-group
descriptors, and reads raw physical blocks from a bmapfs volume. It never
writes to the device it inspects.`,
}
