package wasm

import (
	"path/filepath"
	"testing"

	"github.com/caffeineduck/modhost/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	list := filepath.Join("a") + string(filepath.ListSeparator) + filepath.Join("b")
	cfg, err := parseFlags(&guest.InitArgs{Options: []string{
		"-Djava.class.path=" + list,
		"-Djava.library.path=/lib",
		"-Xrs",
		"-Xdebug",
		"-Xrunjdwp:transport=dt_socket,address=5005,server=y,suspend=y",
		"-verbose:class",
		"-Xmx1m",
		"-Xms512k",
		"-Xss1m",
		"-Dfoo=bar",
		"-Dflag",
		"-XX:SharedArchiveFile=/tmp/cache",
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, cfg.classPath)
	assert.Equal(t, []string{"/lib"}, cfg.libraryPath)
	assert.True(t, cfg.debug)
	assert.Equal(t, 5005, cfg.debugPort)
	assert.True(t, cfg.verbose)
	assert.Equal(t, uint32(16), cfg.memoryLimitPages)
	assert.Equal(t, map[string]string{"foo": "bar", "flag": ""}, cfg.properties)
	assert.Equal(t, []string{"flag", "foo"}, cfg.propertyKeys())
	assert.Equal(t, "/tmp/cache", cfg.cacheDir)
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []string{
		"-Xmx",
		"-Xmxlots",
		"-Xss1q",
		"-Xrunjdwp:address=notaport",
		"-verbose:gc",
		"--class-path",
	}
	for _, opt := range tests {
		t.Run(opt, func(t *testing.T) {
			_, err := parseFlags(&guest.InitArgs{Options: []string{opt}})
			assert.True(t, guest.IsKind(err, guest.KindInvalidArgs), "%v", err)
		})
	}
}

func TestParseFlagsIgnoreUnrecognized(t *testing.T) {
	cfg, err := parseFlags(&guest.InitArgs{Options: []string{"-verbose:gc", "-Dk=v"}, IgnoreUnrecognized: true})
	require.NoError(t, err)
	assert.Equal(t, "v", cfg.properties["k"])
}

func TestParseSize(t *testing.T) {
	tests := map[string]uint64{
		"512": 512,
		"64k": 64 << 10,
		"16M": 16 << 20,
		"1g":  1 << 30,
	}
	for in, want := range tests {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestBytesToPages(t *testing.T) {
	assert.Equal(t, uint32(1), bytesToPages(0))
	assert.Equal(t, uint32(1), bytesToPages(pageSize))
	assert.Equal(t, uint32(2), bytesToPages(pageSize+1))
	assert.Equal(t, uint32(maxPages), bytesToPages(1<<40))
}

func TestParseDebugAgentDefault(t *testing.T) {
	port, err := parseDebugAgent("transport=dt_socket,server=y")
	require.NoError(t, err)
	assert.Equal(t, 9876, port)

	port, err = parseDebugAgent("transport=dt_socket,address=localhost:8000")
	require.NoError(t, err)
	assert.Equal(t, 8000, port)
}
