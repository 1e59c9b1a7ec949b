package wasm

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/vmopts"
	"go.uber.org/zap"
)

const (
	pageSize = 65536
	maxPages = 65536

	flagMaxHeap       = "-Xmx"
	flagInitialHeap   = "-Xms"
	flagStackSize     = "-Xss"
	flagSharedArchive = "-XX:SharedArchiveFile="
	flagProperty      = "-D"
)

// vmConfig is the runtime configuration derived from startup flags.
type vmConfig struct {
	classPath        []string
	libraryPath      []string
	properties       map[string]string
	verbose          bool
	debug            bool
	debugPort        int
	memoryLimitPages uint32
	cacheDir         string
}

// propertyKeys returns the guest environment keys in a stable order.
func (c *vmConfig) propertyKeys() []string {
	keys := make([]string, 0, len(c.properties))
	for k := range c.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseFlags(args *guest.InitArgs) (vmConfig, error) {
	cfg := vmConfig{properties: make(map[string]string)}

	for _, opt := range args.Options {
		switch {
		case strings.HasPrefix(opt, vmopts.ClassPathPrefix):
			cfg.classPath = append(cfg.classPath, splitPath(strings.TrimPrefix(opt, vmopts.ClassPathPrefix))...)
		case strings.HasPrefix(opt, vmopts.LibraryPathPrefix):
			cfg.libraryPath = append(cfg.libraryPath, splitPath(strings.TrimPrefix(opt, vmopts.LibraryPathPrefix))...)
		case opt == vmopts.FlagVerboseClass:
			cfg.verbose = true
		case opt == vmopts.FlagReduceSignals:
			// No signal handlers to reduce.
		case opt == vmopts.FlagDebug:
			cfg.debug = true
		case strings.HasPrefix(opt, vmopts.DebugAgentPrefix):
			port, err := parseDebugAgent(strings.TrimPrefix(opt, vmopts.DebugAgentPrefix))
			if err != nil {
				return vmConfig{}, guest.Errorf("CreateVM", guest.KindInvalidArgs, opt, err)
			}
			cfg.debug = true
			cfg.debugPort = port
		case strings.HasPrefix(opt, flagMaxHeap):
			n, err := parseSize(strings.TrimPrefix(opt, flagMaxHeap))
			if err != nil {
				return vmConfig{}, guest.Errorf("CreateVM", guest.KindInvalidArgs, opt, err)
			}
			cfg.memoryLimitPages = bytesToPages(n)
		case strings.HasPrefix(opt, flagInitialHeap), strings.HasPrefix(opt, flagStackSize):
			if _, err := parseSize(opt[len(flagInitialHeap):]); err != nil {
				return vmConfig{}, guest.Errorf("CreateVM", guest.KindInvalidArgs, opt, err)
			}
		case strings.HasPrefix(opt, flagSharedArchive):
			cfg.cacheDir = strings.TrimPrefix(opt, flagSharedArchive)
		case strings.HasPrefix(opt, flagProperty) && len(opt) > len(flagProperty):
			k, v, _ := strings.Cut(opt[len(flagProperty):], "=")
			cfg.properties[k] = v
		default:
			if !args.IgnoreUnrecognized {
				return vmConfig{}, guest.Errorf("CreateVM", guest.KindInvalidArgs, "unrecognized option "+strconv.Quote(opt), nil)
			}
			Logger().Warn("ignoring unrecognized option", zap.String("option", opt))
		}
	}
	return cfg, nil
}

func splitPath(s string) []string {
	var out []string
	for _, p := range filepath.SplitList(s) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDebugAgent extracts the address from
// "transport=dt_socket,address=N,server=y,suspend=y".
func parseDebugAgent(s string) (int, error) {
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "address" {
			continue
		}
		if i := strings.LastIndexByte(v, ':'); i >= 0 {
			v = v[i+1:]
		}
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return 0, fmt.Errorf("invalid debug address %q", v)
		}
		return port, nil
	}
	return vmopts.DefaultDebugPort, nil
}

// parseSize parses sizes such as "512", "64k", "16m" or "1g".
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func bytesToPages(n uint64) uint32 {
	pages := (n + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	if pages > maxPages {
		pages = maxPages
	}
	return uint32(pages)
}
