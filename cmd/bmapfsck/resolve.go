package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vorteil/bmapfs/pkg/bmap"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <iblock>",
	Short: "Decompose a logical block number into its indirect-tree path",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var (
	resolveBlockSize int
	resolveSnapshot  bool
)

func init() {
	resolveCmd.Flags().IntVar(&resolveBlockSize, "block-size", 4096, "device block size in bytes")
	resolveCmd.Flags().BoolVar(&resolveSnapshot, "snapshot", false, "resolve against a snapshot inode's extended triple-indirect roots")
}

func runResolve(cmd *cobra.Command, args []string) error {
	var iblock uint32
	if _, err := fmt.Sscanf(args[0], "%d", &iblock); err != nil {
		return fmt.Errorf("invalid iblock %q: %w", args[0], err)
	}

	layout := bmap.NewLayout(resolveBlockSize)
	off, err := bmap.Resolve(layout, iblock, resolveSnapshot)
	if err != nil {
		return err
	}

	log.Printf("depth:    %d", off.Depth)
	log.Printf("slots:    %v", off.Slots[:off.Depth])
	log.Printf("boundary: %d (contiguous slots remaining at this depth)", off.Boundary)
	return nil
}
