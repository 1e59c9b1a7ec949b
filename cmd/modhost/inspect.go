package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/modhost/guest/wasm"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <class.wasm>",
	Short: "Check a wasm class against the module contract",
	Long: `Print the digest, imports and exports of a wasm class and report every
way it fails to implement a module. Exits non-zero if it does not conform.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(inspectCmd)
}

var errNotConforming = errors.New("class does not implement the module contract")

func runInspect(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	bin, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	report, err := wasm.Inspect(cmd.Context(), bin)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), args[0], report)
	}
	if !report.Conforms() {
		return errNotConforming
	}
	return nil
}

func printReport(w io.Writer, path string, r *wasm.Report) {
	fmt.Fprintf(w, "%s\n", path)
	fmt.Fprintf(w, "  digest:  blake3:%s\n", r.Digest)
	fmt.Fprintf(w, "  size:    %d bytes\n", r.Size)
	fmt.Fprintln(w, "  imports:")
	for _, f := range r.Imports {
		fmt.Fprintf(w, "    %s\n", f)
	}
	fmt.Fprintln(w, "  exports:")
	for _, f := range r.Exports {
		fmt.Fprintf(w, "    %s\n", f)
	}
	if r.Conforms() {
		fmt.Fprintln(w, "  conforms: yes")
		return
	}
	fmt.Fprintln(w, "  conforms: no")
	for _, p := range r.Problems {
		fmt.Fprintf(w, "    - %s\n", p)
	}
}
