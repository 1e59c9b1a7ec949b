package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/message"
	"github.com/caffeineduck/modhost/vmopts"
	"go.uber.org/zap"
)

// Loader is the gateway loader name HighLevelAPIs is registered under.
const Loader = "host"

var ErrInvalidConfig = errors.New("host: invalid module config")

// APIs adapts h to the gateway module contract. Create expects a *Config.
func (h *Host) APIs() gateway.ModuleAPIs {
	return gateway.ModuleAPIs{
		Create: func(bus gateway.Bus, config any) gateway.ModuleHandle {
			cfg, ok := config.(*Config)
			if !ok && config != nil {
				h.cfg.logger.Error("create module: unexpected config type", zap.String("type", fmt.Sprintf("%T", config)))
				return nil
			}
			return h.createHandle(bus, cfg)
		},
		Receive: receiveHandle,
		Destroy: destroyHandle,
	}
}

// HighLevelAPIs adapts h to the gateway module contract with a JSON
// configuration, as accepted by ParseConfig.
func (h *Host) HighLevelAPIs() gateway.ModuleAPIs {
	return gateway.ModuleAPIs{
		Create: func(bus gateway.Bus, config any) gateway.ModuleHandle {
			var raw []byte
			switch c := config.(type) {
			case string:
				raw = []byte(c)
			case []byte:
				raw = c
			case json.RawMessage:
				raw = c
			case nil:
				h.cfg.logger.Error("create module: config is nil")
				return nil
			default:
				h.cfg.logger.Error("create module: unexpected config type", zap.String("type", fmt.Sprintf("%T", config)))
				return nil
			}
			if bus == nil {
				h.cfg.logger.Error("create module: bus is nil")
				return nil
			}
			cfg, err := ParseConfig(raw)
			if err != nil {
				h.cfg.logger.Error("create module: invalid config", zap.Error(err))
				return nil
			}
			return h.createHandle(bus, cfg)
		},
		Receive: receiveHandle,
		Destroy: destroyHandle,
	}
}

// createHandle keeps a failed create from becoming a non-nil interface
// holding a nil *Module.
func (h *Host) createHandle(bus gateway.Bus, cfg *Config) gateway.ModuleHandle {
	m, err := h.Create(bus, cfg)
	if err != nil {
		return nil
	}
	return m
}

func receiveHandle(mh gateway.ModuleHandle, msg *message.Message) {
	if m, ok := mh.(*Module); ok {
		m.Receive(msg)
	}
}

func destroyHandle(mh gateway.ModuleHandle) {
	if m, ok := mh.(*Module); ok {
		m.Destroy()
	}
}

type highLevelConfig struct {
	ClassName   string          `json:"class_name"`
	ClassPath   string          `json:"class_path"`
	LibraryPath string          `json:"library_path"`
	VMOptions   *vmopts.Options `json:"jvm_options"`
	Args        json.RawMessage `json:"args"`
}

// ParseConfig decodes a JSON module configuration:
//
//	{
//	  "class_name": "examples/Echo",
//	  "class_path": "./classes",
//	  "library_path": "./lib",
//	  "jvm_options": {"version": 8, "debug": false, "debug_port": 0,
//	                  "verbose": false, "additional_options": []},
//	  "args": {...}
//	}
//
// Only class_name is required. args is handed to the guest constructor
// verbatim, or as "null" when absent. When none of class_path, library_path
// and jvm_options is present the VM starts with runtime defaults.
func ParseConfig(data []byte) (*Config, error) {
	var hl highLevelConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&hl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if hl.ClassName == "" {
		return nil, ErrNoClassName
	}

	cfg := &Config{ClassName: hl.ClassName, Configuration: "null"}
	if len(hl.Args) > 0 {
		cfg.Configuration = string(hl.Args)
	}
	if hl.ClassPath != "" || hl.LibraryPath != "" || hl.VMOptions != nil {
		opts := vmopts.Options{}
		if hl.VMOptions != nil {
			opts = *hl.VMOptions
		}
		if hl.ClassPath != "" {
			opts.ClassPath = hl.ClassPath
		}
		if hl.LibraryPath != "" {
			opts.LibraryPath = hl.LibraryPath
		}
		cfg.VMOptions = &opts
	}
	return cfg, nil
}
