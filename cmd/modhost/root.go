package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest/wasm"
	"github.com/caffeineduck/modhost/host"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/caffeineduck/modhost/vm"
	"github.com/caffeineduck/modhost/vmopts"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "modhost",
	Short: "Message bus gateway hosting WebAssembly guest modules",
	Long: `modhost - Run message bus modules implemented as guest classes.

A gateway file lists the modules to load. Modules with the "host" loader are
guest classes compiled to WebAssembly and share a single guest VM; the
"logger" loader writes every message it receives as a JSON line.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format: console, json")
}

var logger = zap.NewNop()

func setupLogging(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	l, err := newLogger(level, format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	setLoggers(l)
	return nil
}

// newLogger builds a json (production) or console (development) logger
// writing to w.
func newLogger(level, format string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected console or json)", format)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl)), nil
}

func setLoggers(l *zap.Logger) {
	logger = l
	gateway.SetLogger(l.Named("gateway"))
	host.SetLogger(l.Named("host"))
	vm.SetLogger(l.Named("vm"))
	vmopts.SetLogger(l.Named("vmopts"))
	refcount.SetLogger(l.Named("refcount"))
	wasm.SetLogger(l.Named("wasm"))
}

// loadGateway loads the gateway file at path with the host and logger
// loaders. The logger module writes to out.
func loadGateway(path string, out io.Writer, opts ...host.Option) (*gateway.Gateway, error) {
	desc, err := gateway.LoadDescription(path)
	if err != nil {
		return nil, err
	}
	resolvePaths(desc, filepath.Dir(path))

	opts = append([]host.Option{host.WithLogger(logger.Named("host")), host.WithLauncher(wasm.Default())}, opts...)
	h := host.New(opts...)
	return gateway.Load(desc, gateway.Loaders{
		host.Loader:          h.HighLevelAPIs(),
		gateway.LoggerLoader: gateway.LoggerModule(out),
	})
}

// pathArgs lists the module args holding file system paths, per loader.
var pathArgs = map[string][]string{
	host.Loader:          {"class_path", "library_path"},
	gateway.LoggerLoader: {"filename"},
}

// resolvePaths makes relative paths in module args relative to base, the
// directory of the gateway file.
func resolvePaths(desc *gateway.Description, base string) {
	for _, entry := range desc.Modules {
		args, ok := entry.Args.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range pathArgs[entry.Loader] {
			if p, ok := args[key].(string); ok && p != "" {
				args[key] = resolveList(p, base)
			}
		}
	}
}

func resolveList(list, base string) string {
	parts := filepath.SplitList(list)
	for i, p := range parts {
		if p != "" && !filepath.IsAbs(p) {
			parts[i] = filepath.Join(base, p)
		}
	}
	return strings.Join(parts, string(filepath.ListSeparator))
}

// parseProp splits a "key=value" property.
func parseProp(spec string) (string, string, error) {
	k, v, ok := strings.Cut(spec, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("invalid property %q (expected key=value)", spec)
	}
	return k, v, nil
}

func parseProps(specs []string) (map[string]string, error) {
	props := make(map[string]string, len(specs))
	for _, spec := range specs {
		k, v, err := parseProp(spec)
		if err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}
