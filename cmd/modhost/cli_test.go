package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest/wasm"
	"github.com/caffeineduck/modhost/host"
	"github.com/caffeineduck/modhost/internal/wasmasm"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default, since cobra keeps parsed
// values between runs of the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"modhost", "run", "repl", "serve", "scaffold", "inspect", "--log-level", "--log-format"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLISubcommandHelp(t *testing.T) {
	tests := []struct {
		cmd     string
		phrases []string
	}{
		{"run", []string{"--prop", "stdin"}},
		{"repl", []string{"--history", "send <text>", "prop k=v", "modules"}},
		{"serve", []string{"--port", "/messages", "/modules", "/health"}},
		{"scaffold", []string{"--force", "gateway.yaml", "Echo.wasm"}},
		{"inspect", []string{"--json", "digest"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			output, err := executeCommand(rootCmd, tt.cmd, "--help")
			require.NoError(t, err)
			for _, phrase := range tt.phrases {
				assert.Contains(t, output, phrase)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger("debug", "json", &buf)
	require.NoError(t, err)
	l.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	l, err = newLogger("warn", "console", &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger("loud", "json", io.Discard)
	assert.ErrorContains(t, err, "--log-level")
	_, err = newLogger("info", "xml", io.Discard)
	assert.ErrorContains(t, err, "--log-format")
}

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{"a=1", "b=x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, props)

	_, err = parseProps([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseProps([]string{"=v"})
	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "abs")
	desc := &gateway.Description{Modules: []gateway.ModuleEntry{
		{Loader: host.Loader, Args: map[string]any{
			"class_path":   "classes" + string(filepath.ListSeparator) + abs,
			"library_path": "lib",
			"class_name":   "a/B",
		}},
		{Loader: gateway.LoggerLoader, Args: map[string]any{"filename": "out.log"}},
		{Loader: "other", Args: map[string]any{"class_path": "classes"}},
		{Loader: host.Loader, Args: "not a map"},
	}}
	resolvePaths(desc, "base")

	args := desc.Modules[0].Args.(map[string]any)
	assert.Equal(t, filepath.Join("base", "classes")+string(filepath.ListSeparator)+abs, args["class_path"])
	assert.Equal(t, filepath.Join("base", "lib"), args["library_path"])
	assert.Equal(t, "a/B", args["class_name"])
	assert.Equal(t, filepath.Join("base", "out.log"), desc.Modules[1].Args.(map[string]any)["filename"])
	assert.Equal(t, "classes", desc.Modules[2].Args.(map[string]any)["class_path"])
}

func TestScaffold(t *testing.T) {
	dir := t.TempDir()
	files, err := writeScaffold(dir, false)
	require.NoError(t, err)
	require.Len(t, files, 2)

	bin, err := os.ReadFile(filepath.Join(dir, "classes", "examples", "Echo.wasm"))
	require.NoError(t, err)
	assert.Equal(t, wasmasm.Echo(), bin)

	desc, err := gateway.LoadDescription(filepath.Join(dir, "gateway.yaml"))
	require.NoError(t, err)
	require.Len(t, desc.Modules, 2)
	assert.Equal(t, host.Loader, desc.Modules[0].Loader)
	assert.Equal(t, gateway.LoggerLoader, desc.Modules[1].Loader)

	_, err = writeScaffold(dir, false)
	assert.ErrorContains(t, err, "already exists")
	_, err = writeScaffold(dir, true)
	assert.NoError(t, err)
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := writeScaffold(dir, false)
	require.NoError(t, err)
	class := filepath.Join(dir, "classes", "examples", "Echo.wasm")

	output, err := executeCommand(rootCmd, "inspect", class)
	require.NoError(t, err)
	assert.Contains(t, output, "digest:  blake3:"+wasm.Digest(wasmasm.Echo()))
	assert.Contains(t, output, "conforms: yes")
	assert.Contains(t, output, "host.publish_message")

	empty := filepath.Join(dir, "empty.wasm")
	require.NoError(t, os.WriteFile(empty, (&wasmasm.Module{}).Encode(), 0o644))
	output, err = executeCommand(rootCmd, "inspect", empty)
	assert.ErrorIs(t, err, errNotConforming)
	assert.Contains(t, output, "conforms: no")
	assert.Contains(t, output, "missing export init")
}

func TestRunScaffoldedGateway(t *testing.T) {
	dir := t.TempDir()
	_, err := writeScaffold(dir, false)
	require.NoError(t, err)

	refs := refcount.NewHolder()
	var out bytes.Buffer
	g, err := loadGateway(filepath.Join(dir, "gateway.yaml"), &out,
		host.WithLauncher(wasm.NewLauncher()), host.WithRefcount(refs))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "log"}, g.Modules())

	n, err := pumpLines(context.Background(), strings.NewReader("one\ntwo\n"), g, map[string]string{"src": "test"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4, "each line is logged and echoed")
	assert.JSONEq(t, `{"properties":{"src":"test"},"content":"one"}`, lines[0])
	assert.JSONEq(t, `{"properties":{"src":"test"},"content":"one"}`, lines[1])
	assert.JSONEq(t, `{"properties":{"src":"test"},"content":"two"}`, lines[3])

	g.Destroy()
	assert.Nil(t, refs.Current())
}

func TestLoadGatewayErrors(t *testing.T) {
	_, err := loadGateway(filepath.Join(t.TempDir(), "missing.yaml"), io.Discard)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - loader: nope\n"), 0o644))
	_, err = loadGateway(path, io.Discard)
	assert.ErrorIs(t, err, gateway.ErrUnknownLoader)
}

func TestPumpLinesCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newLoggerGateway(t, io.Discard)
	n, err := pumpLines(ctx, r, g, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

// newLoggerGateway returns a gateway with a single logger module writing to
// out.
func newLoggerGateway(t *testing.T, out io.Writer) *gateway.Gateway {
	t.Helper()
	g, err := gateway.Load(&gateway.Description{Modules: []gateway.ModuleEntry{
		{Name: "log", Loader: gateway.LoggerLoader},
	}}, gateway.Loaders{gateway.LoggerLoader: gateway.LoggerModule(out)})
	require.NoError(t, err)
	t.Cleanup(g.Destroy)
	return g
}

func TestReplSession(t *testing.T) {
	var logged, out bytes.Buffer
	s := newReplSession(newLoggerGateway(t, &logged), &out)

	assert.True(t, s.exec("prop topic=news"))
	assert.True(t, s.exec("prop a=1"))
	assert.True(t, s.exec("props"))
	assert.Equal(t, "a=1\ntopic=news\n", out.String())

	out.Reset()
	assert.True(t, s.exec("prop a"))
	assert.True(t, s.exec("send  hello world "))
	assert.Equal(t, "OK\n", out.String())
	assert.JSONEq(t, `{"properties":{"topic":"news"},"content":"hello world"}`, logged.String())

	out.Reset()
	assert.True(t, s.exec("modules"))
	assert.True(t, s.exec("bogus"))
	assert.True(t, s.exec("prop"))
	assert.True(t, s.exec("prop =x"))
	assert.True(t, s.exec(""))
	assert.Equal(t, "log\n", strings.SplitAfter(out.String(), "\n")[0])
	assert.Contains(t, out.String(), `unknown command "bogus"`)
	assert.Contains(t, out.String(), "usage: prop")
	assert.Contains(t, out.String(), "invalid property")

	assert.False(t, s.exec("exit"))
	assert.False(t, s.exec("quit"))
}
