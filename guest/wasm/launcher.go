// Package wasm is a guest runtime backed by wazero.
//
// Guest classes are WebAssembly modules. A class named "a/b/Echo" is loaded
// from "<dir>/a/b/Echo.wasm" for each directory on the class path, or from
// bytes registered with WithClass. Each guest object is its own module
// instance; the constructor is the "init" export and other methods are the
// exports of the same name.
//
// Method descriptors lower to wasm types as follows: J is i64; I and Z are
// i32; byte arrays and strings are copied into guest memory through the
// "alloc" export and passed as (ptr, len); other objects are passed as i32
// references. When the guest exports "free(ptr, len)" it is called for every
// such copy after the call returns.
//
// Guests reach the host through the "host" import module:
//
//	publish_message(bus i32, module i64, ptr i32, len i32) -> i32
//	log(level i32, ptr i32, len i32)
//
// publish_message dispatches to the native registered for publishMessage on
// the bus object referenced by bus.
package wasm

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/internal/addr"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

type launcherConfig struct {
	ctx         context.Context
	hostClasses []HostClass
	classes     map[string][]byte
	stdout      io.Writer
	stderr      io.Writer
}

func defaultLauncherConfig() launcherConfig {
	return launcherConfig{
		ctx:         context.Background(),
		hostClasses: []HostClass{BusClass},
		classes:     make(map[string][]byte),
		stdout:      io.Discard,
		stderr:      io.Discard,
	}
}

// Option configures a Launcher.
type Option func(*launcherConfig)

// WithContext sets the context VM operations run under. Cancelling it closes
// the running VM.
func WithContext(ctx context.Context) Option {
	return func(c *launcherConfig) {
		c.ctx = ctx
	}
}

// WithHostClass adds a host-implemented class.
func WithHostClass(hc HostClass) Option {
	return func(c *launcherConfig) {
		c.hostClasses = append(c.hostClasses, hc)
	}
}

// WithClass registers an in-memory wasm class. It takes precedence over the
// class path.
func WithClass(name string, wasm []byte) Option {
	return func(c *launcherConfig) {
		c.classes[name] = wasm
	}
}

// WithOutput sets where guest stdout and stderr go. Both default to
// io.Discard.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *launcherConfig) {
		if stdout != nil {
			c.stdout = stdout
		}
		if stderr != nil {
			c.stderr = stderr
		}
	}
}

// Launcher creates the process VM.
type Launcher struct {
	cfg launcherConfig

	mu sync.Mutex
	vm *VM
}

var _ guest.Launcher = (*Launcher)(nil)

func NewLauncher(opts ...Option) *Launcher {
	cfg := defaultLauncherConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Launcher{cfg: cfg}
}

var (
	defaultOnce     sync.Once
	defaultLauncher *Launcher
)

// Default returns the process-wide launcher.
func Default() *Launcher {
	defaultOnce.Do(func() {
		defaultLauncher = NewLauncher(WithOutput(os.Stdout, os.Stderr))
	})
	return defaultLauncher
}

// CreateVM starts the VM. It returns guest.ErrVMExists while a VM created by
// this launcher is running.
func (l *Launcher) CreateVM(args *guest.InitArgs) (guest.VM, guest.Env, error) {
	if args == nil {
		return nil, nil, guest.Errorf("CreateVM", guest.KindInvalidArgs, "nil init args", nil)
	}
	if !args.Version.Supported() {
		return nil, nil, guest.Errorf("CreateVM", guest.KindInvalidArgs, "unsupported version", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.vm != nil {
		return nil, nil, guest.ErrVMExists
	}

	cfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, err
	}

	vm, err := l.newVM(args.Version, cfg)
	if err != nil {
		return nil, nil, err
	}
	l.vm = vm

	Logger().Info("VM created",
		zap.Strings("class_path", cfg.classPath),
		zap.Bool("debug", cfg.debug),
		zap.Uint32("memory_limit_pages", cfg.memoryLimitPages))
	if cfg.debug {
		Logger().Info("debug info enabled", zap.Int("port", cfg.debugPort))
	}

	return vm, vm.newEnv(), nil
}

func (l *Launcher) CreatedVMs() ([]guest.VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vm == nil {
		return nil, nil
	}
	return []guest.VM{l.vm}, nil
}

func (l *Launcher) DefaultInitArgs(args *guest.InitArgs) error {
	if args == nil {
		return guest.Errorf("DefaultInitArgs", guest.KindInvalidArgs, "nil init args", nil)
	}
	if !args.Version.Supported() {
		return guest.Errorf("DefaultInitArgs", guest.KindInvalidArgs, "unsupported version", nil)
	}
	args.Options = nil
	args.IgnoreUnrecognized = false
	return nil
}

func (l *Launcher) newVM(version guest.Version, cfg vmConfig) (*VM, error) {
	ctx := l.cfg.ctx

	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, guest.Errorf("CreateVM", guest.KindAllocation, "compilation cache", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithDebugInfoEnabled(cfg.debug)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, guest.Errorf("CreateVM", guest.KindAllocation, "instantiate WASI", err)
	}

	vm := &VM{
		launcher:    l,
		ctx:         ctx,
		version:     version,
		cfg:         cfg,
		runtime:     rt,
		cache:       cache,
		refs:        addr.NewTable(),
		hostClasses: make(map[string]*hostClass),
		classes:     make(map[string]*wasmClass),
	}

	for _, hc := range l.cfg.hostClasses {
		c, err := newHostClass(hc)
		if err != nil {
			vm.close()
			return nil, guest.Errorf("CreateVM", guest.KindInvalidArgs, "host class "+hc.Name, err)
		}
		vm.hostClasses[hc.Name] = c
	}

	if err := vm.instantiateHostModule(); err != nil {
		vm.close()
		return nil, guest.Errorf("CreateVM", guest.KindAllocation, "instantiate host module", err)
	}
	return vm, nil
}

// classSource returns the bytes and origin of a wasm class.
func (l *Launcher) classSource(name string, classPath []string) ([]byte, string, error) {
	if bin, ok := l.cfg.classes[name]; ok {
		return bin, "memory", nil
	}
	for _, dir := range classPath {
		path := filepath.Join(dir, filepath.FromSlash(name)+".wasm")
		bin, err := os.ReadFile(path)
		if err == nil {
			return bin, path, nil
		}
		if !os.IsNotExist(err) {
			return nil, path, err
		}
	}
	return nil, "", os.ErrNotExist
}

// release forgets vm once it is destroyed.
func (l *Launcher) release(vm *VM) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vm == vm {
		l.vm = nil
	}
}
