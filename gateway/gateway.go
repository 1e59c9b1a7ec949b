// Package gateway wires message bus modules together.
//
// A Gateway loads the modules named in a Description, attaches each to an
// in-process Broker and tears them down in reverse order. Modules only see
// the Bus interface and the ModuleAPIs contract, so any implementation of
// create, receive and destroy can be plugged in by registering a loader.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/modhost/message"
	"go.uber.org/zap"
)

// Result is the status a bus returns for a publish.
type Result int32

const (
	OK Result = iota
	Error
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// ModuleHandle is the opaque value a module's Create returns. Handles must
// be comparable; pointers are.
type ModuleHandle any

// Bus delivers a message to every module except its source.
type Bus interface {
	Publish(source ModuleHandle, msg *message.Message) Result
}

// ModuleAPIs is the contract every module implements. Create returns nil
// on failure. Receive and Destroy report failures through logs only.
type ModuleAPIs struct {
	Create  func(bus Bus, config any) ModuleHandle
	Destroy func(m ModuleHandle)
	Receive func(m ModuleHandle, msg *message.Message)
}

func (a ModuleAPIs) valid() bool {
	return a.Create != nil && a.Destroy != nil && a.Receive != nil
}

var (
	ErrUnknownLoader = errors.New("gateway: unknown loader")
	ErrInvalidAPIs   = errors.New("gateway: incomplete module APIs")
	ErrModuleCreate  = errors.New("gateway: module create failed")
	ErrDuplicateName = errors.New("gateway: duplicate module name")
	ErrClosed        = errors.New("gateway: closed")
)

// Loaders maps loader names used in a Description to module implementations.
type Loaders map[string]ModuleAPIs

// Option configures a Gateway.
type Option func(*config)

type config struct {
	brokerOpts []BrokerOption
}

// WithBrokerOptions passes options to the gateway's Broker.
func WithBrokerOptions(opts ...BrokerOption) Option {
	return func(c *config) {
		c.brokerOpts = append(c.brokerOpts, opts...)
	}
}

type loaded struct {
	name   string
	handle ModuleHandle
	apis   ModuleAPIs
}

// Gateway is a set of loaded modules sharing one Broker.
type Gateway struct {
	broker *Broker

	mu      sync.Mutex
	modules []*loaded
	closed  bool
}

// Load creates every module of desc in order. If any module fails, the ones
// already created are destroyed in reverse order and the error is returned.
func Load(desc *Description, loaders Loaders, opts ...Option) (*Gateway, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil description", ErrModuleCreate)
	}
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	g := &Gateway{broker: NewBroker(cfg.brokerOpts...)}
	names := make(map[string]bool, len(desc.Modules))
	for i, entry := range desc.Modules {
		if err := g.load(i, entry, loaders, names); err != nil {
			Logger().Error("failed to load gateway", zap.String("module", entry.Name), zap.Error(err))
			g.Destroy()
			return nil, err
		}
	}
	Logger().Info("gateway loaded", zap.Int("modules", len(g.modules)))
	return g, nil
}

func (g *Gateway) load(i int, entry ModuleEntry, loaders Loaders, names map[string]bool) error {
	name := entry.Name
	if name == "" {
		name = fmt.Sprintf("%s#%d", entry.Loader, i)
	}
	if names[name] {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	names[name] = true

	apis, ok := loaders[entry.Loader]
	if !ok {
		return fmt.Errorf("%w: %q (module %s)", ErrUnknownLoader, entry.Loader, name)
	}
	if !apis.valid() {
		return fmt.Errorf("%w: loader %q", ErrInvalidAPIs, entry.Loader)
	}

	args, err := entry.argsJSON()
	if err != nil {
		return fmt.Errorf("%w: module %s: %w", ErrModuleCreate, name, err)
	}
	h := apis.Create(g.broker, args)
	if h == nil {
		return fmt.Errorf("%w: module %s (loader %s)", ErrModuleCreate, name, entry.Loader)
	}
	g.broker.Attach(name, h, apis.Receive)
	g.modules = append(g.modules, &loaded{name: name, handle: h, apis: apis})
	Logger().Debug("module loaded", zap.String("module", name), zap.String("loader", entry.Loader))
	return nil
}

// Publish sends msg to every module. The gateway itself is the source.
func (g *Gateway) Publish(msg *message.Message) Result {
	return g.broker.Publish(nil, msg)
}

// Bus returns the bus modules publish on.
func (g *Gateway) Bus() Bus {
	return g.broker
}

// Modules returns the loaded module names in load order.
func (g *Gateway) Modules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, len(g.modules))
	for i, m := range g.modules {
		names[i] = m.name
	}
	return names
}

// Destroy detaches and destroys every module in reverse load order. Further
// calls are no-ops.
func (g *Gateway) Destroy() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	modules := g.modules
	g.modules = nil
	g.mu.Unlock()

	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		g.broker.Detach(m.handle)
		m.apis.Destroy(m.handle)
		Logger().Debug("module destroyed", zap.String("module", m.name))
	}
	g.broker.Close()
}

// argsJSON re-encodes the module args as a JSON document. Absent args
// become "null".
func (e ModuleEntry) argsJSON() (string, error) {
	data, err := json.Marshal(e.Args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
