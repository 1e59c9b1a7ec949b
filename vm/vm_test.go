package vm

import (
	"errors"
	"testing"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/guest/guesttest"
	"github.com/caffeineduck/modhost/vmopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type trackingAllocator struct {
	allocs, frees int
}

func (a *trackingAllocator) Alloc(s string) (string, error) {
	a.allocs++
	return s, nil
}

func (a *trackingAllocator) Free(string) { a.frees++ }

type failingLauncher struct {
	*guesttest.Launcher
	createErr error
	nilEnv    bool
	vms       []guest.VM
}

func (f *failingLauncher) CreateVM(args *guest.InitArgs) (guest.VM, guest.Env, error) {
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	if f.nilEnv {
		return nil, nil, nil
	}
	return f.Launcher.CreateVM(args)
}

func (f *failingLauncher) CreatedVMs() ([]guest.VM, error) {
	if f.vms != nil {
		return f.vms, nil
	}
	return f.Launcher.CreatedVMs()
}

func TestAcquireCreates(t *testing.T) {
	l := guesttest.New()
	alloc := &trackingAllocator{}

	h, err := Acquire(l, &vmopts.Options{ClassPath: "/cp", Version: 6, Verbose: true}, vmopts.WithAllocator(alloc))
	require.NoError(t, err)
	assert.True(t, h.Created())
	assert.Equal(t, guest.Version1_6, h.Version())
	assert.NotNil(t, h.Env())
	assert.True(t, l.Live())

	args := l.LastInitArgs()
	require.NotNil(t, args)
	assert.Equal(t, []string{"-Djava.class.path=/cp", "-verbose:class"}, args.Options)
	assert.False(t, args.IgnoreUnrecognized)

	assert.Equal(t, 2, alloc.allocs)
	assert.Equal(t, 2, alloc.frees, "built options are released after creation")

	require.NoError(t, Release(h))
	assert.False(t, l.Live())
	assert.Equal(t, int64(1), l.Stats().VMsDestroyed)
}

func TestAcquireNilOptions(t *testing.T) {
	l := guesttest.New()
	h, err := Acquire(l, nil)
	require.NoError(t, err)
	assert.Equal(t, guest.LatestVersion, h.Version())
	assert.Empty(t, l.LastInitArgs().Options)
	require.NoError(t, Release(h))
}

func TestAcquireAttachesToExisting(t *testing.T) {
	l := guesttest.New()
	first, err := Acquire(l, &vmopts.Options{})
	require.NoError(t, err)

	alloc := &trackingAllocator{}
	second, err := Acquire(l, &vmopts.Options{ClassPath: "/ignored"}, vmopts.WithAllocator(alloc))
	require.NoError(t, err)
	assert.False(t, second.Created())
	assert.Same(t, first.VM(), second.VM())
	assert.Equal(t, alloc.allocs, alloc.frees)
	assert.Equal(t, int64(1), l.Stats().VMsCreated)

	require.NoError(t, Release(first))
}

func TestAcquireFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("create error", func(t *testing.T) {
		alloc := &trackingAllocator{}
		l := &failingLauncher{Launcher: guesttest.New(), createErr: boom}
		_, err := Acquire(l, &vmopts.Options{ClassPath: "/cp"}, vmopts.WithAllocator(alloc))
		assert.ErrorIs(t, err, ErrAcquire)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, alloc.frees)
	})

	t.Run("nil env", func(t *testing.T) {
		l := &failingLauncher{Launcher: guesttest.New(), nilEnv: true}
		_, err := Acquire(l, &vmopts.Options{})
		assert.ErrorIs(t, err, ErrNoEnv)
	})

	t.Run("exists but none listed", func(t *testing.T) {
		l := &failingLauncher{Launcher: guesttest.New(), createErr: guest.ErrVMExists, vms: []guest.VM{}}
		_, err := Acquire(l, &vmopts.Options{})
		assert.ErrorIs(t, err, ErrNoVM)
	})

	t.Run("get env fails", func(t *testing.T) {
		l := guesttest.New()
		first, err := Acquire(l, nil)
		require.NoError(t, err)
		defer Release(first)

		l.Inject(guesttest.OpGetEnv, guesttest.Fault{Err: true})
		_, err = Acquire(l, nil)
		assert.ErrorIs(t, err, ErrAcquire)
		assert.True(t, guest.IsKind(err, guest.KindDetached))
	})

	t.Run("build fails", func(t *testing.T) {
		l := guesttest.New()
		_, err := Acquire(l, &vmopts.Options{ClassPath: "/cp"}, vmopts.WithAllocator(badAllocator{}))
		assert.ErrorIs(t, err, vmopts.ErrBuild)
		assert.False(t, l.Live())
		assert.Equal(t, int64(0), l.Stats().VMsCreated)
	})

	t.Run("nil launcher", func(t *testing.T) {
		_, err := Acquire(nil, nil)
		assert.ErrorIs(t, err, ErrAcquire)
	})
}

type badAllocator struct{}

func (badAllocator) Alloc(string) (string, error) { return "", errors.New("out of memory") }
func (badAllocator) Free(string)                  {}

func TestReleaseAttachFailureIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	l := guesttest.New()
	h, err := Acquire(l, nil)
	require.NoError(t, err)

	l.Inject(guesttest.OpAttach, guesttest.Fault{Err: true})
	require.NoError(t, Release(h))
	assert.False(t, l.Live())
	assert.Equal(t, 1, logs.FilterMessage("attach before destroy failed").Len())
}

func TestReleaseDoesNotDetachFromDestroyedVM(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	l := guesttest.New()
	h, err := Acquire(l, nil)
	require.NoError(t, err)

	require.NoError(t, Release(h))
	assert.False(t, l.Live())
	assert.Equal(t, int64(1), l.Stats().Attaches)
	assert.Zero(t, l.Stats().Detaches)
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestReleaseErrors(t *testing.T) {
	assert.ErrorIs(t, Release(nil), ErrNoVM)

	l := guesttest.New()
	h, err := Acquire(l, nil)
	require.NoError(t, err)

	l.Inject(guesttest.OpDestroyVM, guesttest.Fault{Err: true, Times: 1})
	assert.Error(t, Release(h))
	assert.True(t, l.Live())
	assert.Equal(t, l.Stats().Attaches, l.Stats().Detaches, "a surviving VM is detached from")

	require.NoError(t, Release(h))
	assert.False(t, l.Live())
}
