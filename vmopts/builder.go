package vmopts

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/caffeineduck/modhost/guest"
	"go.uber.org/zap"
)

// ErrBuild is returned when the flag list could not be built. Nothing built
// before the failure survives it.
var ErrBuild = errors.New("vmopts: build failed")

// DefaultsProvider fills init args from the runtime's own defaults.
// guest.Launcher satisfies it.
type DefaultsProvider interface {
	DefaultInitArgs(args *guest.InitArgs) error
}

// Allocator obtains and frees the storage behind each flag string.
type Allocator interface {
	Alloc(s string) (string, error)
	Free(s string)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(s string) (string, error) { return strings.Clone(s), nil }
func (heapAllocator) Free(string)                    {}

// HeapAllocator is the default Allocator.
var HeapAllocator Allocator = heapAllocator{}

type buildConfig struct {
	alloc Allocator
}

func defaultBuildConfig() buildConfig {
	return buildConfig{alloc: HeapAllocator}
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

// WithAllocator sets the allocator used for flag strings.
func WithAllocator(a Allocator) BuildOption {
	return func(c *buildConfig) {
		if a != nil {
			c.alloc = a
		}
	}
}

// Built is the result of Build. Args stays valid until Release.
type Built struct {
	Args guest.InitArgs

	alloc    Allocator
	owned    []string
	released sync.Once
}

// Release frees every flag string owned by b. Safe to call more than once.
func (b *Built) Release() {
	if b == nil {
		return
	}
	b.released.Do(func() {
		freeAll(b.alloc, b.owned)
		b.owned = nil
		b.Args.Options = nil
	})
}

// Build derives init args from opts. A nil opts selects the newest version
// and asks defaults for the rest; defaults may be nil.
func Build(opts *Options, defaults DefaultsProvider, buildOpts ...BuildOption) (*Built, error) {
	cfg := defaultBuildConfig()
	for _, o := range buildOpts {
		o(&cfg)
	}

	if opts == nil {
		b := &Built{Args: guest.InitArgs{Version: guest.LatestVersion}, alloc: cfg.alloc}
		if defaults != nil {
			if err := defaults.DefaultInitArgs(&b.Args); err != nil {
				return nil, fmt.Errorf("%w: default init args: %v", ErrBuild, err)
			}
		}
		return b, nil
	}

	specs := make([]string, 0, opts.flagCount())
	if opts.ClassPath != "" {
		specs = append(specs, ClassPathPrefix+opts.ClassPath)
	}
	if opts.LibraryPath != "" {
		specs = append(specs, LibraryPathPrefix+opts.LibraryPath)
	}
	if opts.Debug {
		specs = append(specs,
			FlagReduceSignals,
			FlagDebug,
			fmt.Sprintf(debugAgentFormat, opts.EffectiveDebugPort()),
		)
	}
	if opts.Verbose {
		specs = append(specs, FlagVerboseClass)
	}
	specs = append(specs, opts.AdditionalOptions...)

	owned := make([]string, 0, len(specs))
	for i, s := range specs {
		flag, err := cfg.alloc.Alloc(s)
		if err != nil {
			Logger().Error("failed to build VM option",
				zap.Int("index", i),
				zap.Int("built", len(owned)),
				zap.Error(err))
			freeAll(cfg.alloc, owned)
			return nil, fmt.Errorf("%w: option %d: %v", ErrBuild, i, err)
		}
		owned = append(owned, flag)
	}

	Logger().Debug("built VM options", zap.Strings("options", owned))

	return &Built{
		Args: guest.InitArgs{
			Version: SelectVersion(opts.Version),
			Options: owned,
		},
		alloc: cfg.alloc,
		owned: owned,
	}, nil
}

func freeAll(a Allocator, owned []string) {
	for _, s := range owned {
		a.Free(s)
	}
}
