// Package commands implements the tbw-ctl commands.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/tiered-block-worker/pkg/tbw"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is injected at build time.
var Version = "dev"

var flags struct {
	addr    string
	output  string
	timeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "tbw-ctl",
	Short: "Tiered block worker management CLI",
	Long: `tbw-ctl inspects and manages a tiered block worker through its HTTP API.

Use "tbw-ctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "http://localhost:8080", "worker API address")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tbw-ctl %s\n", Version)
	},
}

func newClient() (*tbw.Client, error) {
	return tbw.New(tbw.Config{BaseURL: flags.addr, Timeout: flags.timeout})
}

// table is implemented by results that have a tabular rendering.
type table interface {
	Headers() []string
	Rows() [][]string
}

// view wraps a client result with a table rendering.
type view interface {
	table
	value() interface{}
}

// printOutput renders v in the selected format. Values without a table form are
// printed as JSON in table mode.
func printOutput(w io.Writer, v interface{}) error {
	if vw, ok := v.(view); ok && flags.output != "table" {
		v = vw.value()
	}
	switch flags.output {
	case "json":
		return printJSON(w, v)
	case "yaml":
		return yaml.NewEncoder(w).Encode(v)
	case "table":
		t, ok := v.(table)
		if !ok {
			return printJSON(w, v)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for i, h := range t.Headers() {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, h)
		}
		fmt.Fprintln(tw)
		for _, row := range t.Rows() {
			for i, cell := range row {
				if i > 0 {
					fmt.Fprint(tw, "\t")
				}
				fmt.Fprint(tw, cell)
			}
			fmt.Fprintln(tw)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", flags.output)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
