package host

import (
	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/guest/wasm"
	"github.com/caffeineduck/modhost/message"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/caffeineduck/modhost/vmopts"
	"go.uber.org/zap"
)

// Option configures a Host.
type Option func(*hostConfig)

type hostConfig struct {
	logger    *zap.Logger
	launcher  guest.Launcher
	refs      *refcount.Holder
	codec     message.Codec
	buildOpts []vmopts.BuildOption
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		refs:  refcount.Default(),
		codec: message.DefaultCodec,
	}
}

// WithLogger sets the logger module log lines are written to.
func WithLogger(l *zap.Logger) Option {
	return func(c *hostConfig) {
		c.logger = l
	}
}

// WithLauncher sets the guest runtime. The default is the process-wide
// wasm launcher.
func WithLauncher(l guest.Launcher) Option {
	return func(c *hostConfig) {
		c.launcher = l
	}
}

// WithRefcount sets the holder tracking modules that share the VM.
func WithRefcount(h *refcount.Holder) Option {
	return func(c *hostConfig) {
		if h != nil {
			c.refs = h
		}
	}
}

// WithCodec sets the codec messages cross the guest boundary with.
func WithCodec(codec message.Codec) Option {
	return func(c *hostConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithBuildOptions passes options to vmopts.Build when the VM is created.
func WithBuildOptions(opts ...vmopts.BuildOption) Option {
	return func(c *hostConfig) {
		c.buildOpts = append(c.buildOpts, opts...)
	}
}

func (c *hostConfig) resolve() {
	if c.logger == nil {
		c.logger = Logger()
	}
	if c.launcher == nil {
		c.launcher = wasm.Default()
	}
}
