package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gftdcojp/tiered-block-worker/pkg/tbw"
	"github.com/spf13/cobra"
)

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Inspect and manage cached blocks",
}

var blockInfoCmd = &cobra.Command{
	Use:   "info <blockID>",
	Short: "Show where a block is cached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockID, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		info, err := client.Block(cmd.Context(), blockID)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), blockInfoView{info})
	},
}

type blockInfoView struct{ *tbw.BlockInfo }

func (v blockInfoView) value() interface{} { return v.BlockInfo }

func (v blockInfoView) Headers() []string {
	return []string{"BLOCK_ID", "SIZE", "LOCATION", "PINNED", "LOCKED", "AGE"}
}

func (v blockInfoView) Rows() [][]string {
	return [][]string{{
		strconv.FormatInt(v.BlockID, 10),
		strconv.FormatInt(v.Size, 10),
		v.Location,
		strconv.FormatBool(v.Pinned),
		strconv.FormatBool(v.Locked),
		time.Since(v.CommittedAt).Round(time.Second).String(),
	}}
}

var readOffset int64

var blockReadCmd = &cobra.Command{
	Use:   "read <blockID>",
	Short: "Write a cached block to stdout",
	Long: `Write a cached block to stdout.

With --ufs-path the worker reads through to the under file system when the block
is not cached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockID, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		var opts *tbw.UfsOptions
		if ufsOpts.Path != "" {
			opts = &ufsOpts
		}
		r, err := client.ReadBlock(cmd.Context(), blockID, readOffset, opts)
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(cmd.OutOrStdout(), r)
		return err
	},
}

var blockRemoveCmd = &cobra.Command{
	Use:   "remove <blockID>",
	Short: "Remove a cached block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockID, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.RemoveBlock(cmd.Context(), blockID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "block %d removed\n", blockID)
		return nil
	},
}

var moveTier, moveMedium string

var blockMoveCmd = &cobra.Command{
	Use:   "move <blockID>",
	Short: "Move a cached block to another tier or medium",
	Long: `Move a cached block to another tier or medium.

Examples:
  # Move to any dir of the SSD tier
  tbw-ctl block move 42 --tier SSD

  # Move to any dir labelled HDD
  tbw-ctl block move 42 --medium HDD`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockID, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		if (moveTier == "") == (moveMedium == "") {
			return fmt.Errorf("exactly one of --tier and --medium is required")
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		info, err := client.MoveBlock(cmd.Context(), blockID, moveTier, moveMedium)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), blockInfoView{info})
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin [blockID...]",
	Short: "Replace the pin list",
	Long: `Replace the pin list. Pinned blocks are never evicted.

Run without arguments to clear the pin list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := parseBlockID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.UpdatePins(cmd.Context(), ids); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d blocks pinned\n", len(ids))
		return nil
	},
}

var (
	ufsOpts    tbw.UfsOptions
	cacheAsync bool
	cachePin   bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache <blockID>",
	Short: "Load a block from the under file system",
	Long: `Load a block from the under file system.

Examples:
  # Cache the second 64MiB block of a file
  tbw-ctl cache 42 --ufs-path /mnt/data/part-0 --offset 67108864 --block-size 67108864

  # Queue the load and return immediately
  tbw-ctl cache 42 --ufs-path /mnt/data/part-0 --block-size 67108864 --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockID, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		if ufsOpts.Path == "" || ufsOpts.BlockSize <= 0 {
			return fmt.Errorf("--ufs-path and --block-size are required")
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		req := tbw.CacheRequest{BlockID: blockID, Options: ufsOpts, Async: cacheAsync, Pin: cachePin}
		if err := client.Cache(cmd.Context(), req); err != nil {
			return err
		}
		if cacheAsync {
			fmt.Fprintf(cmd.OutOrStdout(), "block %d queued\n", blockID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "block %d cached\n", blockID)
		}
		return nil
	},
}

func addUfsFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ufsOpts.Path, "ufs-path", "", "path of the file in the under file system")
	cmd.Flags().Int64Var(&ufsOpts.Offset, "offset", 0, "offset of the block in the file")
	cmd.Flags().Int64Var(&ufsOpts.BlockSize, "block-size", 0, "block size in bytes")
	cmd.Flags().StringVar(&ufsOpts.MountPoint, "mount-point", "", "mount point, by default the longest matching prefix")
	cmd.Flags().Int64Var(&ufsOpts.MountTableVersion, "mount-table-version", 0, "mount table version the path was resolved against")
	cmd.Flags().IntVar(&ufsOpts.MaxUfsReadConcurrency, "max-ufs-readers", 0, "limit on concurrent reads of the file, 0 for none")
}

func parseBlockID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q", s)
	}
	return id, nil
}

func init() {
	blockReadCmd.Flags().Int64Var(&readOffset, "read-offset", 0, "offset within the block to start reading at")
	addUfsFlags(blockReadCmd)
	blockMoveCmd.Flags().StringVar(&moveTier, "tier", "", "destination tier alias")
	blockMoveCmd.Flags().StringVar(&moveMedium, "medium", "", "destination medium type")
	addUfsFlags(cacheCmd)
	cacheCmd.Flags().BoolVar(&cacheAsync, "async", false, "return once the load is queued")
	cacheCmd.Flags().BoolVar(&cachePin, "pin", false, "pin the block once cached")

	blockCmd.AddCommand(blockInfoCmd)
	blockCmd.AddCommand(blockReadCmd)
	blockCmd.AddCommand(blockRemoveCmd)
	blockCmd.AddCommand(blockMoveCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(cacheCmd)
}
