package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"mcron/internal/signals"
	logx "mcron/pkg/logx"
)

const (
	// LoadPathEnv is read by the Lua package library when the VM is
	// created; it must be set before Boot.
	LoadPathEnv = "LUA_PATH"

	// Namespace is the module holding the scheduler engine's entry logic.
	Namespace = "mcron.main"

	EntryName     = "main"
	CleanupName   = "delete_run_file"
	InstallerName = "set_cron_signals"
)

var (
	ErrAlreadyBooted = errors.New("runtime already booted")
	ErrNamespace     = errors.New("engine namespace unresolved")
	ErrEntry         = errors.New("engine entry failed")
	ErrTerminated    = errors.New("terminated by signal")
)

type Option func(*Host)

func WithLogger(log logx.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithNamespace overrides the engine module name.
func WithNamespace(name string) Option {
	return func(h *Host) {
		if name != "" {
			h.namespace = name
		}
	}
}

// WithSignalOptions configures the coordinator created by New.
func WithSignalOptions(opts ...signals.Option) Option {
	return func(h *Host) { h.sigOpts = append(h.sigOpts, opts...) }
}

// Host boots the embedded Lua runtime and hands control to the scheduler
// engine. It implements signals.Target for the termination sequence.
type Host struct {
	log       logx.Logger
	namespace string
	sigOpts   []signals.Option
	coord     *signals.Coordinator

	booted atomic.Bool

	// vm is held by Boot for as long as the engine may run Lua code on L.
	// Cleanup only touches L when it can take vm; otherwise it works in a
	// separate state.
	vm     sync.Mutex
	L      *lua.LState
	ns     *lua.LTable
	args   []string
	cancel context.CancelFunc
}

var _ signals.Target = (*Host)(nil)

func New(opts ...Option) *Host {
	h := &Host{namespace: Namespace}
	for _, o := range opts {
		o(h)
	}
	h.coord = signals.New(h, h.sigOpts...)
	return h
}

func (h *Host) Coordinator() *signals.Coordinator { return h.coord }

// Boot starts the runtime with args published as the Lua global `arg`,
// resolves the engine namespace, registers the signal installer, and runs
// the engine's entry procedure. It returns when the entry procedure
// returns. During signal termination it never returns unless the
// coordinator's exit function does, in which case it reports
// ErrTerminated.
func (h *Host) Boot(args []string) error {
	if !h.booted.CompareAndSwap(false, true) {
		return ErrAlreadyBooted
	}

	err := h.run(args)

	// Closing the coordinator fails only when a signal got there first;
	// from then on the watcher owns the process.
	if !h.coord.Close() {
		h.coord.Park()
		return ErrTerminated
	}
	if err != nil {
		return err
	}
	h.log.Info("engine returned")
	return nil
}

func (h *Host) run(args []string) error {
	h.vm.Lock()
	defer h.vm.Unlock()

	L := lua.NewState()
	ctx, cancel := context.WithCancel(context.Background())
	L.SetContext(ctx)
	h.L = L
	h.cancel = cancel
	h.args = args

	L.SetGlobal("arg", argTable(L, args))
	h.log.Debug("runtime booted",
		logx.String("package.path", lua.LVAsString(L.GetField(L.GetGlobal("package"), "path"))),
		logx.Int("args", len(args)),
	)

	ns, err := resolve(L, h.namespace)
	if err != nil {
		return err
	}
	h.ns = ns

	L.SetGlobal(InstallerName, L.NewFunction(h.installSignals))

	entry := ns.RawGetString(EntryName)
	if entry.Type() != lua.LTFunction {
		return errors.Wrapf(ErrEntry, "%s.%s is %s", h.namespace, EntryName, entry.Type())
	}

	h.log.Info("entering engine", logx.String("namespace", h.namespace))
	if err := L.CallByParam(lua.P{Fn: entry, NRet: 0, Protect: true}); err != nil {
		return errors.Wrapf(ErrEntry, "%s.%s: %v", h.namespace, EntryName, err)
	}
	return nil
}

func resolve(L *lua.LState, namespace string) (*lua.LTable, error) {
	err := L.CallByParam(lua.P{Fn: L.GetGlobal("require"), NRet: 1, Protect: true}, lua.LString(namespace))
	if err != nil {
		return nil, errors.Wrapf(ErrNamespace, "require %q: %v", namespace, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, errors.Wrapf(ErrNamespace, "module %q returned %s, want table", namespace, ret.Type())
	}
	return tbl, nil
}

// installSignals is the Lua-visible installer. It takes no arguments and
// always returns true.
func (h *Host) installSignals(L *lua.LState) int {
	L.Push(lua.LBool(h.coord.Install()))
	return 1
}

// Interrupt cancels the VM context; the engine stops at its next
// instruction and the entry call unwinds. A native call in progress
// (os.execute, io.read) is not interrupted.
func (h *Host) Interrupt() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Cleanup calls the engine's delete_run_file under ctx. When the engine
// has unwound, the call runs in the boot state. When it is still stuck in
// a native call, the namespace is loaded into a fresh state and the
// callback runs there; the boot state is left alone.
func (h *Host) Cleanup(ctx context.Context) error {
	if !h.booted.Load() {
		return errors.New("runtime not booted")
	}
	if h.vm.TryLock() {
		defer h.vm.Unlock()
		if h.L == nil || h.ns == nil {
			return errors.New("runtime not booted")
		}
		h.L.SetContext(ctx)
		return callCleanup(h.L, h.ns, h.namespace)
	}

	h.log.Warn("engine still running; cleaning up in a separate state")
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	L.SetGlobal("arg", argTable(L, h.args))
	// The module may install at load time; the handlers already exist.
	L.SetGlobal(InstallerName, L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LTrue)
		return 1
	}))
	ns, err := resolve(L, h.namespace)
	if err != nil {
		return err
	}
	return callCleanup(L, ns, h.namespace)
}

func callCleanup(L *lua.LState, ns *lua.LTable, namespace string) error {
	fn := ns.RawGetString(CleanupName)
	if fn.Type() != lua.LTFunction {
		return errors.Errorf("%s.%s is %s", namespace, CleanupName, fn.Type())
	}
	err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	return errors.Wrap(err, CleanupName)
}

// Close releases the VM. It must not be called while Boot is running.
func (h *Host) Close() {
	h.vm.Lock()
	defer h.vm.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	if h.L != nil {
		h.L.Close()
		h.L = nil
	}
}

func argTable(L *lua.LState, args []string) *lua.LTable {
	t := L.CreateTable(len(args), 1)
	for i, a := range args {
		t.RawSetInt(i, lua.LString(a))
	}
	return t
}
