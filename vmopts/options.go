// Package vmopts turns a structured VM configuration into the ordered flag
// list the guest runtime expects at startup.
package vmopts

import "github.com/caffeineduck/modhost/guest"

// DefaultDebugPort is used when debugging is on and no port is configured.
const DefaultDebugPort = 9876

// Flag keys understood by guest runtimes.
const (
	ClassPathPrefix   = "-Djava.class.path="
	LibraryPathPrefix = "-Djava.library.path="
	FlagReduceSignals = "-Xrs"
	FlagDebug         = "-Xdebug"
	DebugAgentPrefix  = "-Xrunjdwp:"
	FlagVerboseClass  = "-verbose:class"

	debugAgentFormat = DebugAgentPrefix + "transport=dt_socket,address=%d,server=y,suspend=y"
)

// Options configures the shared VM. A nil *Options means "use the runtime
// defaults".
type Options struct {
	ClassPath         string   `json:"class_path,omitempty" yaml:"class_path,omitempty"`
	LibraryPath       string   `json:"library_path,omitempty" yaml:"library_path,omitempty"`
	Version           int      `json:"version,omitempty" yaml:"version,omitempty"`
	Debug             bool     `json:"debug,omitempty" yaml:"debug,omitempty"`
	DebugPort         int      `json:"debug_port,omitempty" yaml:"debug_port,omitempty"`
	Verbose           bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	AdditionalOptions []string `json:"additional_options,omitempty" yaml:"additional_options,omitempty"`
}

// SelectVersion maps a configured version number to a protocol revision.
// Unknown values select the newest revision.
func SelectVersion(v int) guest.Version {
	switch v {
	case 1:
		return guest.Version1_1
	case 2:
		return guest.Version1_2
	case 4:
		return guest.Version1_4
	case 6:
		return guest.Version1_6
	case 8:
		return guest.Version1_8
	default:
		return guest.LatestVersion
	}
}

// EffectiveDebugPort returns the port the debug agent will listen on.
func (o *Options) EffectiveDebugPort() int {
	if o == nil || o.DebugPort == 0 {
		return DefaultDebugPort
	}
	return o.DebugPort
}

// flagCount is the number of flags Build produces for o.
func (o *Options) flagCount() int {
	n := len(o.AdditionalOptions)
	if o.ClassPath != "" {
		n++
	}
	if o.LibraryPath != "" {
		n++
	}
	if o.Debug {
		n += 3
	}
	if o.Verbose {
		n++
	}
	return n
}
