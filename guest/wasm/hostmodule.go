package wasm

import (
	"context"

	"github.com/caffeineduck/modhost/guest"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HostModule is the import module name guests use to reach the host.
const HostModule = "host"

// publishError is returned to the guest when the host cannot publish.
const publishError uint32 = 1

func (vm *VM) instantiateHostModule() error {
	_, err := vm.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(vm.publishMessage).
		WithParameterNames("bus", "module", "ptr", "len").
		Export("publish_message").
		NewFunctionBuilder().
		WithFunc(vm.guestLog).
		WithParameterNames("level", "ptr", "len").
		Export("log").
		Instantiate(vm.ctx)
	return err
}

// publishMessage resolves the bus object and calls its publishMessage native
// with the module address, the bus address and a copy of the guest buffer.
func (vm *VM) publishMessage(ctx context.Context, mod api.Module, busRef uint32, module uint64, ptr, n uint32) uint32 {
	v, ok := vm.lookupRef(busRef)
	bus, isHost := v.(*hostObject)
	if !ok || !isHost {
		Logger().Error("publish_message: unknown bus reference", zap.Uint32("bus", busRef))
		return publishError
	}
	m := bus.class.lookup(guest.PublishMethod, guest.PublishSig)
	if m == nil {
		Logger().Error("publish_message: class has no publish native", zap.String("class", bus.class.name))
		return publishError
	}
	fn := bus.class.native(m)
	if fn == nil {
		Logger().Error("publish_message: native not registered", zap.String("class", bus.class.name))
		return publishError
	}

	data, ok := readGuest(mod, ptr, n)
	if !ok {
		Logger().Error("publish_message: buffer out of range", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
		return publishError
	}
	var busAddr int64
	if len(bus.args) > 0 {
		busAddr, _ = bus.args[0].(int64)
	}

	e := vm.newEnv()
	ret, err := fn(e, bus, int64(module), busAddr, &byteArray{data: data})
	if err != nil {
		Logger().Error("publish_message failed", zap.Error(err))
		return publishError
	}
	if exc := e.ExceptionOccurred(); exc != nil {
		e.ExceptionDescribe()
		e.ExceptionClear()
		return publishError
	}
	code, ok := ret.(int32)
	if !ok {
		return publishError
	}
	return uint32(code)
}

// Guest log levels.
const (
	LogDebug int32 = iota
	LogInfo
	LogWarn
	LogError
)

func (vm *VM) guestLog(ctx context.Context, mod api.Module, level int32, ptr, n uint32) {
	data, ok := readGuest(mod, ptr, n)
	if !ok {
		Logger().Warn("guest log: buffer out of range", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
		return
	}
	lvl := zapcore.InfoLevel
	switch level {
	case LogDebug:
		lvl = zapcore.DebugLevel
	case LogWarn:
		lvl = zapcore.WarnLevel
	case LogError:
		lvl = zapcore.ErrorLevel
	}
	Logger().Log(lvl, string(data), zap.String("source", "guest"), zap.String("module", mod.Name()))
}
