package host

import (
	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest"
	"go.uber.org/zap"
)

// publishMessage implements the bus proxy's native
// publishMessage(long module, long bus, byte[] data) int. It returns the
// bus result code to the guest.
func (h *Host) publishMessage(_ guest.Env, _ guest.Object, args ...any) (any, error) {
	fail := int32(gateway.Error)
	if len(args) != 3 {
		h.cfg.logger.Error("publishMessage: wrong argument count", zap.Int("args", len(args)))
		return fail, nil
	}
	moduleAddr, _ := args[0].(int64)
	busAddr, _ := args[1].(int64)

	m, bus, ok := h.lookup(moduleAddr, busAddr)
	if !ok {
		h.cfg.logger.Error("publishMessage: unknown module or bus address",
			zap.Int64("module_addr", moduleAddr),
			zap.Int64("bus_addr", busAddr))
		return fail, nil
	}
	rt := m.runtime()
	if rt == nil {
		m.log.Error("publishMessage: module has no VM")
		return fail, nil
	}

	env, err := rt.VM().Attach()
	if err != nil {
		m.log.Error("publishMessage: failed to attach to VM", zap.Error(err))
		return fail, nil
	}
	data, err := m.copyBytes(env, args[2])
	if derr := rt.VM().Detach(env); derr != nil {
		m.log.Warn("publishMessage: failed to detach from VM", zap.Error(derr))
	}
	if err != nil {
		m.log.Error("publishMessage: failed to read message bytes", zap.Error(err))
		return fail, nil
	}

	msg, err := m.host.codec().Deserialize(data)
	if err != nil {
		m.log.Error("publishMessage: invalid message", zap.Error(err))
		return fail, nil
	}
	res := bus.Publish(m, msg)
	if res != gateway.OK {
		m.log.Warn("publishMessage: bus rejected message", zap.Stringer("result", res))
	}
	return int32(res), nil
}

// copyBytes copies a guest byte array into Go memory.
func (m *Module) copyBytes(env guest.Env, arr guest.Object) ([]byte, error) {
	n, err := env.GetArrayLength(arr)
	if err := m.check(env, "get array length", err, false); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	err = env.GetByteArrayRegion(arr, 0, buf)
	if err := m.check(env, "copy array", err, false); err != nil {
		return nil, err
	}
	return buf, nil
}
