package guesttest

import (
	"sync"

	"github.com/caffeineduck/modhost/guest"
)

// Recorder is a Module that remembers what it was given.
type Recorder struct {
	Addr   int64
	Bus    *Object
	Config string

	onReceive func(env guest.Env, r *Recorder, data []byte) error
	onDestroy func(env guest.Env, r *Recorder) error

	mu        sync.Mutex
	received  [][]byte
	destroyed int
}

func (r *Recorder) Receive(env guest.Env, data []byte) error {
	r.mu.Lock()
	r.received = append(r.received, data)
	r.mu.Unlock()
	if r.onReceive != nil {
		return r.onReceive(env, r, data)
	}
	return nil
}

func (r *Recorder) Destroy(env guest.Env) error {
	r.mu.Lock()
	r.destroyed++
	r.mu.Unlock()
	if r.onDestroy != nil {
		return r.onDestroy(env, r)
	}
	return nil
}

// Received returns a copy of every payload passed to Receive.
func (r *Recorder) Received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.received...)
}

// DestroyCount returns how often Destroy ran.
func (r *Recorder) DestroyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Publish sends data on the recorder's bus.
func (r *Recorder) Publish(env guest.Env, data []byte) (int32, error) {
	return Publish(env, r.Bus, r.Addr, data)
}

// Recorders collects every Recorder built by its factory.
type Recorders struct {
	// OnReceive, when set, runs after a payload is recorded. An error is
	// raised as a guest exception.
	OnReceive func(env guest.Env, r *Recorder, data []byte) error
	// OnDestroy, when set, runs after the destroy call is recorded.
	OnDestroy func(env guest.Env, r *Recorder) error
	// OnConstruct, when set, can veto construction with an error.
	OnConstruct func(config string) error

	mu   sync.Mutex
	list []*Recorder
}

// Factory returns a ModuleFactory producing Recorders.
func (rs *Recorders) Factory() ModuleFactory {
	return func(_ guest.Env, addr int64, bus *Object, config string) (Module, error) {
		if rs.OnConstruct != nil {
			if err := rs.OnConstruct(config); err != nil {
				return nil, err
			}
		}
		r := &Recorder{
			Addr:      addr,
			Bus:       bus,
			Config:    config,
			onReceive: rs.OnReceive,
			onDestroy: rs.OnDestroy,
		}
		rs.mu.Lock()
		rs.list = append(rs.list, r)
		rs.mu.Unlock()
		return r, nil
	}
}

// All returns every Recorder built so far.
func (rs *Recorders) All() []*Recorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*Recorder(nil), rs.list...)
}

// Last returns the most recent Recorder or nil.
func (rs *Recorders) Last() *Recorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.list) == 0 {
		return nil
	}
	return rs.list[len(rs.list)-1]
}
