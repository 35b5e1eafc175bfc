package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vorteil/bmapfs/pkg/device"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Dump a raw physical block from a LevelDB-backed volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var (
	inspectBlockSize  int
	inspectBlockCount uint32
	inspectBlock      uint32
)

func init() {
	inspectCmd.Flags().IntVar(&inspectBlockSize, "block-size", 4096, "device block size in bytes")
	inspectCmd.Flags().Uint32Var(&inspectBlockCount, "block-count", 0, "device block count (must match the volume this inspects)")
	inspectCmd.Flags().Uint32Var(&inspectBlock, "block", 0, "physical block number to dump")
	inspectCmd.MarkFlagRequired("block-count")
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]

	dev, err := device.OpenLevelDB(path, inspectBlockSize, inspectBlockCount)
	if err != nil {
		return err
	}
	defer dev.Close()

	data, err := dev.ReadBlock(context.Background(), inspectBlock)
	if err != nil {
		return err
	}

	log.Printf("block %d (%d bytes):", inspectBlock, len(data))
	fmt.Print(hex.Dump(data))
	return nil
}
