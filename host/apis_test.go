package host

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest/wasm"
	"github.com/caffeineduck/modhost/internal/wasmasm"
	"github.com/caffeineduck/modhost/message"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/caffeineduck/modhost/vmopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"class_name": "examples/Echo",
		"class_path": "./classes",
		"library_path": "./lib",
		"jvm_options": {"version": 6, "debug": true, "debug_port": 5005, "verbose": true, "additional_options": ["-Xmx16m"]},
		"args": {"b": [1, 2], "a": "x"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "examples/Echo", cfg.ClassName)
	assert.Equal(t, `{"b": [1, 2], "a": "x"}`, cfg.Configuration, "args are passed verbatim")
	assert.Equal(t, &vmopts.Options{
		ClassPath:         "./classes",
		LibraryPath:       "./lib",
		Version:           6,
		Debug:             true,
		DebugPort:         5005,
		Verbose:           true,
		AdditionalOptions: []string{"-Xmx16m"},
	}, cfg.VMOptions)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"class_name": "examples/Echo"}`))
	require.NoError(t, err)
	assert.Equal(t, "null", cfg.Configuration)
	assert.Nil(t, cfg.VMOptions)

	cfg, err = ParseConfig([]byte(`{"class_name": "examples/Echo", "class_path": "cp", "args": null}`))
	require.NoError(t, err)
	assert.Equal(t, "null", cfg.Configuration)
	assert.Equal(t, &vmopts.Options{ClassPath: "cp"}, cfg.VMOptions)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig([]byte(`{"class_path": "cp"}`))
	assert.ErrorIs(t, err, ErrNoClassName)

	_, err = ParseConfig([]byte(`{"class_name": `))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte(`{"class_name": 7}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAPIs(t *testing.T) {
	f := newFixture(t)
	apis := f.host.APIs()

	assert.Nil(t, apis.Create(f.broker, "not a config"))
	assert.Nil(t, apis.Create(f.broker, nil))
	assert.Nil(t, apis.Create(nil, &Config{ClassName: recClass}))
	assert.Nil(t, apis.Create(f.broker, &Config{ClassName: "missing/Class"}))
	assert.Nil(t, f.refs.Current())

	h := apis.Create(f.broker, &Config{ClassName: recClass, Configuration: "c"})
	require.NotNil(t, h)
	apis.Receive(h, message.New([]byte("x"), nil))
	assert.Len(t, f.recs.Last().Received(), 1)
	apis.Destroy(h)
	apis.Destroy(h)
	assert.Equal(t, 1, f.recs.Last().DestroyCount())
	f.assertClean()
}

func TestHighLevelAPIs(t *testing.T) {
	f := newFixture(t)
	apis := f.host.HighLevelAPIs()

	assert.Nil(t, apis.Create(f.broker, nil))
	assert.Nil(t, apis.Create(f.broker, 42))
	assert.Nil(t, apis.Create(f.broker, `{"class_path": "x"}`))
	assert.Nil(t, apis.Create(nil, `{"class_name": "`+recClass+`"}`))

	h := apis.Create(f.broker, []byte(`{"class_name": "`+recClass+`", "args": {"n": 1}}`))
	require.NotNil(t, h)
	assert.Equal(t, `{"n": 1}`, f.recs.Last().Config)
	apis.Destroy(h)

	h = apis.Create(f.broker, json.RawMessage(`{"class_name": "`+recClass+`"}`))
	require.NotNil(t, h)
	assert.Equal(t, "null", f.recs.Last().Config)
	apis.Destroy(h)
	f.assertClean()
}

// TestWasmGateway runs an echo guest and the built-in logger behind a
// gateway on the wasm runtime.
func TestWasmGateway(t *testing.T) {
	launcher := wasm.NewLauncher(wasm.WithClass("examples/Echo", wasmasm.Echo()))
	refs := refcount.NewHolder()
	h := New(WithLauncher(launcher), WithRefcount(refs))

	desc, err := gateway.ParseDescription([]byte(`
modules:
  - name: echo
    loader: host
    args:
      class_name: examples/Echo
      jvm_options:
        verbose: true
      args:
        greeting: hello
  - name: log
    loader: logger
`))
	require.NoError(t, err)

	var out bytes.Buffer
	g, err := gateway.Load(desc, gateway.Loaders{
		Loader:               h.HighLevelAPIs(),
		gateway.LoggerLoader: gateway.LoggerModule(&out),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, refs.Current().Size())

	assert.Equal(t, gateway.OK, g.Publish(message.New([]byte("ping"), map[string]string{"k": "v"})))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "original plus echo")
	for _, line := range lines {
		assert.JSONEq(t, `{"properties":{"k":"v"},"content":"ping"}`, line)
	}

	g.Destroy()
	assert.Nil(t, refs.Current())
	vms, err := launcher.CreatedVMs()
	require.NoError(t, err)
	assert.Empty(t, vms)
}
