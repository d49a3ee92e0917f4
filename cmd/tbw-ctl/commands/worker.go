package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gftdcojp/tiered-block-worker/pkg/tbw"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), status)
	},
}

var metaFull bool

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Show capacity and usage per storage dir",
	Long: `Show capacity and usage per storage dir.

Examples:
  # Usage per dir
  tbw-ctl meta

  # Include the block ids held by each dir
  tbw-ctl meta --full -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		meta, err := client.StoreMeta(cmd.Context(), metaFull)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), storeMetaView{meta})
	},
}

// storeMetaView renders StoreMeta one dir per row.
type storeMetaView struct{ *tbw.StoreMeta }

func (v storeMetaView) value() interface{} { return v.StoreMeta }

func (v storeMetaView) Headers() []string {
	h := []string{"LOCATION", "PATH", "CAPACITY", "USED"}
	if v.BlockListByLocation != nil {
		h = append(h, "BLOCKS")
	}
	return h
}

func (v storeMetaView) Rows() [][]string {
	rows := make([][]string, 0, len(v.Dirs))
	for _, d := range v.Dirs {
		row := []string{d.Location, d.Path, strconv.FormatInt(d.CapacityBytes, 10), strconv.FormatInt(d.UsedBytes, 10)}
		if v.BlockListByLocation != nil {
			row = append(row, strconv.Itoa(len(v.BlockListByLocation[d.Location])))
		}
		rows = append(rows, row)
	}
	return rows
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Drain the pending block report",
	Long: `Drain the pending block report.

The drained changes are not sent to the master with the next heartbeat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		report, err := client.Report(cmd.Context())
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), reportView{report})
	},
}

type reportView struct{ *tbw.Report }

func (v reportView) value() interface{} { return v.Report }

func (v reportView) Headers() []string { return []string{"CHANGE", "LOCATION", "BLOCK_ID"} }

func (v reportView) Rows() [][]string {
	var rows [][]string
	locs := make([]string, 0, len(v.AddedBlocks))
	for loc := range v.AddedBlocks {
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	for _, loc := range locs {
		for _, id := range v.AddedBlocks[loc] {
			rows = append(rows, []string{"added", loc, strconv.FormatInt(id, 10)})
		}
	}
	for _, id := range v.RemovedBlocks {
		rows = append(rows, []string{"removed", "-", strconv.FormatInt(id, 10)})
	}
	return rows
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the worker's effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		cfg, err := client.Configuration(cmd.Context())
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), configView(cfg))
	},
}

type configView map[string]string

func (v configView) Headers() []string { return []string{"KEY", "VALUE"} }

func (v configView) Rows() [][]string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, v[k]})
	}
	return rows
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "List the path prefixes the worker caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		wl, err := client.WhiteList(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range wl {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

var clearMetricsCmd = &cobra.Command{
	Use:   "clear-metrics",
	Short: "Reset the worker's counters and histograms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.ClearMetrics(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "metrics cleared")
		return nil
	},
}

var fileCmd = &cobra.Command{
	Use:   "file <fileID>",
	Short: "Show the master's view of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid file id %q", args[0])
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		info, err := client.FileInfo(cmd.Context(), fileID)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), info)
	},
}

func init() {
	metaCmd.Flags().BoolVar(&metaFull, "full", false, "include block lists")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(clearMetricsCmd)
	rootCmd.AddCommand(fileCmd)
}
