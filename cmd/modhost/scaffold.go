package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/host"
	"github.com/caffeineduck/modhost/internal/wasmasm"
	"github.com/spf13/cobra"
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold <dir>",
	Short: "Write an example gateway with an echo module",
	Long: `Write a runnable example into dir:

  gateway.yaml                 echo module plus a logger module
  classes/examples/Echo.wasm   guest class republishing every message

Then try: echo hello | modhost run <dir>/gateway.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runScaffold,
}

func init() {
	scaffoldCmd.Flags().Bool("force", false, "Overwrite existing files")
	rootCmd.AddCommand(scaffoldCmd)
}

const echoClass = "examples/Echo"

func runScaffold(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	files, err := writeScaffold(args[0], force)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f)
	}
	return nil
}

func scaffoldDescription() *gateway.Description {
	return &gateway.Description{Modules: []gateway.ModuleEntry{
		{
			Name:   "echo",
			Loader: host.Loader,
			Args: map[string]any{
				"class_name": echoClass,
				"class_path": "classes",
				"jvm_options": map[string]any{
					"verbose": true,
				},
				"args": map[string]any{"greeting": "hello from modhost"},
			},
		},
		{Name: "log", Loader: gateway.LoggerLoader},
	}}
}

// writeScaffold writes the example into dir and returns the paths written.
func writeScaffold(dir string, force bool) ([]string, error) {
	desc, err := scaffoldDescription().Marshal()
	if err != nil {
		return nil, err
	}
	files := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, "gateway.yaml"), desc},
		{filepath.Join(dir, "classes", filepath.FromSlash(echoClass)+".wasm"), wasmasm.Echo()},
	}

	if !force {
		for _, f := range files {
			if _, err := os.Stat(f.path); err == nil {
				return nil, fmt.Errorf("%s already exists (use --force to overwrite)", f.path)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return written, err
		}
		written = append(written, f.path)
	}
	return written, nil
}
