package gateway

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/caffeineduck/modhost/message"
	"go.uber.org/zap"
)

// LoggerLoader is the loader name of the built-in logger module.
const LoggerLoader = "logger"

type logArgs struct {
	Filename string `json:"filename"`
}

type logModule struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

type logRecord struct {
	Properties map[string]string `json:"properties,omitempty"`
	Content    string            `json:"content"`
}

// LoggerModule returns the built-in logger module. Each instance writes every
// message it receives to w as one JSON line, or appends to the file named
// by the "filename" arg.
func LoggerModule(w io.Writer) ModuleAPIs {
	return ModuleAPIs{
		Create: func(_ Bus, config any) ModuleHandle {
			var args logArgs
			if raw := configBytes(config); len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					Logger().Error("logger module: invalid args", zap.Error(err))
					return nil
				}
			}
			m := &logModule{enc: json.NewEncoder(w)}
			if args.Filename != "" {
				f, err := os.OpenFile(args.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					Logger().Error("logger module: open", zap.String("filename", args.Filename), zap.Error(err))
					return nil
				}
				m.enc = json.NewEncoder(f)
				m.closer = f
			}
			return m
		},
		Receive: func(h ModuleHandle, msg *message.Message) {
			m, ok := h.(*logModule)
			if !ok || msg == nil {
				return
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if err := m.enc.Encode(logRecord{Properties: msg.Properties, Content: string(msg.Content)}); err != nil {
				Logger().Warn("logger module: write", zap.Error(err))
			}
		},
		Destroy: func(h ModuleHandle) {
			m, ok := h.(*logModule)
			if !ok || m.closer == nil {
				return
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if err := m.closer.Close(); err != nil {
				Logger().Warn("logger module: close", zap.Error(err))
			}
			m.closer = nil
		},
	}
}

// configBytes returns the JSON document a module config carries.
func configBytes(config any) []byte {
	switch c := config.(type) {
	case string:
		return []byte(c)
	case []byte:
		return c
	case json.RawMessage:
		return c
	}
	return nil
}
