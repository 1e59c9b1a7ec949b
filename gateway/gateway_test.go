package gateway

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/modhost/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	name     string
	config   string
	bus      Bus
	received []string
	onRecv   func(m *fakeModule, msg *message.Message)
}

// recorder builds ModuleAPIs whose modules record what happens to them.
type recorder struct {
	created   []*fakeModule
	destroyed []string
	failOn    string
	onRecv    func(m *fakeModule, msg *message.Message)
}

func (r *recorder) apis() ModuleAPIs {
	return ModuleAPIs{
		Create: func(bus Bus, config any) ModuleHandle {
			cfg, _ := config.(string)
			if r.failOn != "" && strings.Contains(cfg, r.failOn) {
				return nil
			}
			m := &fakeModule{name: cfg, config: cfg, bus: bus, onRecv: r.onRecv}
			r.created = append(r.created, m)
			return m
		},
		Receive: func(h ModuleHandle, msg *message.Message) {
			m := h.(*fakeModule)
			m.received = append(m.received, string(msg.Content))
			if m.onRecv != nil {
				m.onRecv(m, msg)
			}
		},
		Destroy: func(h ModuleHandle) {
			r.destroyed = append(r.destroyed, h.(*fakeModule).config)
		},
	}
}

func desc(entries ...ModuleEntry) *Description {
	return &Description{Modules: entries}
}

func TestLoadPassesArgsAsJSON(t *testing.T) {
	r := &recorder{}
	g, err := Load(desc(
		ModuleEntry{Name: "a", Loader: "fake", Args: map[string]any{"k": "v"}},
		ModuleEntry{Name: "b", Loader: "fake"},
	), Loaders{"fake": r.apis()})
	require.NoError(t, err)

	require.Len(t, r.created, 2)
	assert.Equal(t, `{"k":"v"}`, r.created[0].config)
	assert.Equal(t, "null", r.created[1].config)
	assert.Equal(t, []string{"a", "b"}, g.Modules())

	g.Destroy()
	assert.Equal(t, []string{"null", `{"k":"v"}`}, r.destroyed, "destroyed in reverse order")
	g.Destroy()
	assert.Len(t, r.destroyed, 2)
}

func TestLoadRollsBack(t *testing.T) {
	r := &recorder{failOn: "bad"}
	_, err := Load(desc(
		ModuleEntry{Name: "a", Loader: "fake", Args: "one"},
		ModuleEntry{Name: "b", Loader: "fake", Args: "two"},
		ModuleEntry{Name: "c", Loader: "fake", Args: "bad"},
		ModuleEntry{Name: "d", Loader: "fake", Args: "four"},
	), Loaders{"fake": r.apis()})
	assert.ErrorIs(t, err, ErrModuleCreate)
	assert.Len(t, r.created, 2)
	assert.Equal(t, []string{`"two"`, `"one"`}, r.destroyed)
}

func TestLoadErrors(t *testing.T) {
	r := &recorder{}
	_, err := Load(desc(ModuleEntry{Loader: "missing"}), Loaders{"fake": r.apis()})
	assert.ErrorIs(t, err, ErrUnknownLoader)

	_, err = Load(desc(ModuleEntry{Name: "x", Loader: "fake"}, ModuleEntry{Name: "x", Loader: "fake"}), Loaders{"fake": r.apis()})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = Load(desc(ModuleEntry{Loader: "half"}), Loaders{"half": {Create: r.apis().Create}})
	assert.ErrorIs(t, err, ErrInvalidAPIs)

	_, err = Load(nil, nil)
	assert.Error(t, err)
}

func TestDefaultModuleNames(t *testing.T) {
	r := &recorder{}
	g, err := Load(desc(ModuleEntry{Loader: "fake"}, ModuleEntry{Loader: "fake"}), Loaders{"fake": r.apis()})
	require.NoError(t, err)
	defer g.Destroy()
	assert.Equal(t, []string{"fake#0", "fake#1"}, g.Modules())
}

func TestBrokerExcludesSource(t *testing.T) {
	r := &recorder{}
	g, err := Load(desc(
		ModuleEntry{Name: "a", Loader: "fake", Args: "a"},
		ModuleEntry{Name: "b", Loader: "fake", Args: "b"},
	), Loaders{"fake": r.apis()})
	require.NoError(t, err)
	defer g.Destroy()

	a, b := r.created[0], r.created[1]
	assert.Equal(t, OK, g.Publish(message.New([]byte("from gateway"), nil)))
	assert.Equal(t, OK, a.bus.Publish(a, message.New([]byte("from a"), nil)))

	assert.Equal(t, []string{"from gateway"}, a.received)
	assert.Equal(t, []string{"from gateway", "from a"}, b.received)
}

func TestBrokerQueuesNestedPublish(t *testing.T) {
	depth := 0
	r := &recorder{}
	r.onRecv = func(m *fakeModule, msg *message.Message) {
		depth++
		defer func() { depth-- }()
		assert.Equal(t, 1, depth, "module re-entered")
		if m.config == `"relay"` && string(msg.Content) == "ping" {
			assert.Equal(t, OK, m.bus.Publish(m, message.New([]byte("pong"), nil)))
			// Queued, not yet delivered.
			assert.Equal(t, []string{"ping"}, m.received)
		}
	}
	g, err := Load(desc(
		ModuleEntry{Name: "relay", Loader: "fake", Args: "relay"},
		ModuleEntry{Name: "sink", Loader: "fake", Args: "sink"},
	), Loaders{"fake": r.apis()})
	require.NoError(t, err)
	defer g.Destroy()

	assert.Equal(t, OK, g.Publish(message.New([]byte("ping"), nil)))
	relay, sink := r.created[0], r.created[1]
	assert.Equal(t, []string{"ping"}, relay.received)
	assert.Equal(t, []string{"ping", "pong"}, sink.received)
}

func TestBrokerLimitsAndClose(t *testing.T) {
	b := NewBroker(WithMaxPending(1))
	var got []string
	var nested Result
	h := &fakeModule{}
	b.Attach("m", h, func(_ ModuleHandle, msg *message.Message) {
		got = append(got, string(msg.Content))
		if string(msg.Content) == "first" {
			assert.Equal(t, OK, b.Publish(nil, message.New([]byte("second"), nil)))
			nested = b.Publish(nil, message.New([]byte("third"), nil))
		}
	})
	assert.Equal(t, []string{"m"}, b.Subscribers())

	assert.Equal(t, OK, b.Publish(nil, message.New([]byte("first"), nil)))
	assert.Equal(t, Error, nested)
	assert.Equal(t, []string{"first", "second"}, got)

	assert.Equal(t, Error, b.Publish(nil, nil))

	b.Detach(h)
	assert.Empty(t, b.Subscribers())
	b.Close()
	assert.Equal(t, Error, b.Publish(nil, message.New(nil, nil)))
}

func TestBrokerDeliversCopies(t *testing.T) {
	b := NewBroker()
	var seen *message.Message
	b.Attach("m", &fakeModule{}, func(_ ModuleHandle, msg *message.Message) { seen = msg })

	msg := message.New([]byte("x"), map[string]string{"k": "v"})
	b.Publish(nil, msg)
	msg.Properties["k"] = "changed"
	require.NotNil(t, seen)
	assert.Equal(t, "v", seen.Properties["k"])
}

func TestParseDescription(t *testing.T) {
	d, err := ParseDescription([]byte(`
modules:
  - name: echo
    loader: host
    args:
      class_name: examples/Echo
      jvm_options:
        verbose: true
  - loader: logger
`))
	require.NoError(t, err)
	require.Len(t, d.Modules, 2)
	assert.Equal(t, "host", d.Modules[0].Loader)
	args, err := d.Modules[0].argsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"class_name":"examples/Echo","jvm_options":{"verbose":true}}`, args)

	d, err = ParseDescription([]byte(`{"modules":[{"name":"l","loader":"logger","args":{"filename":"out.log"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "l", d.Modules[0].Name)

	for _, bad := range []string{
		``,
		`modules: []`,
		`modules: [{name: x}]`,
		`modules: [{loader: x, bogus: 1}]`,
		`modules: {`,
	} {
		_, err := ParseDescription([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidDescription, bad)
	}
}

func TestDescriptionMarshal(t *testing.T) {
	d := desc(ModuleEntry{Name: "log", Loader: LoggerLoader})
	data, err := d.Marshal()
	require.NoError(t, err)

	back, err := ParseDescription(data)
	require.NoError(t, err)
	assert.Equal(t, d.Modules, back.Modules)
}

func TestLoadDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - loader: logger\n"), 0o644))
	d, err := LoadDescription(path)
	require.NoError(t, err)
	assert.Equal(t, LoggerLoader, d.Modules[0].Loader)

	_, err = LoadDescription(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoggerModule(t *testing.T) {
	var buf bytes.Buffer
	g, err := Load(desc(ModuleEntry{Name: "log", Loader: LoggerLoader}), Loaders{LoggerLoader: LoggerModule(&buf)})
	require.NoError(t, err)

	g.Publish(message.New([]byte("hello"), map[string]string{"source": "test"}))
	g.Publish(message.New([]byte("world"), nil))
	g.Destroy()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"properties":{"source":"test"},"content":"hello"}`, lines[0])
	assert.JSONEq(t, `{"content":"world"}`, lines[1])
}

func TestLoggerModuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	g, err := Load(desc(ModuleEntry{Loader: LoggerLoader, Args: map[string]any{"filename": path}}),
		Loaders{LoggerLoader: LoggerModule(&bytes.Buffer{})})
	require.NoError(t, err)
	g.Publish(message.New([]byte("to file"), nil))
	g.Destroy()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"to file"}`, string(data))

	_, err = Load(desc(ModuleEntry{Loader: LoggerLoader, Args: []any{1}}), Loaders{LoggerLoader: LoggerModule(&bytes.Buffer{})})
	assert.ErrorIs(t, err, ErrModuleCreate)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "ERROR", Error.String())
	assert.Equal(t, "Result(7)", Result(7).String())
}
