package host

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"mcron/internal/signals"
)

// engineFixture writes a Lua engine module under a temp LUA_PATH root and
// points LUA_PATH at it.
func engineFixture(t *testing.T, module, src string) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(module, ".", "/"))+".lua")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	t.Setenv(LoadPathEnv, filepath.Join(root, "?.lua"))
	return root
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	exit := signals.WithExit(func(code int) { t.Errorf("unexpected exit(%d)", code) })
	h := New(append([]Option{WithSignalOptions(exit)}, opts...)...)
	t.Cleanup(h.Close)
	return h
}

const normalEngine = `
local M = {}

function M.main()
  seen_args = arg
  seen_path = package.path
  installed = set_cron_signals()
  installed_again = set_cron_signals()
end

function M.delete_run_file()
  cleaned = true
end

return M
`

func TestBootRunsEntryAndReturns(t *testing.T) {
	engineFixture(t, Namespace, normalEngine)
	var installs int
	h := newTestHost(t, WithSignalOptions(signals.WithOnInstall(func() { installs++ })))
	t.Cleanup(func() { signal.Reset(signals.Watched...) })

	args := []string{"/usr/bin/mcron", "--daemon", "-s", "3"}
	if err := h.Boot(args); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if got := h.L.GetGlobal("installed"); got != lua.LTrue {
		t.Fatalf("set_cron_signals() = %v, want true", got)
	}
	if got := h.L.GetGlobal("installed_again"); got != lua.LTrue {
		t.Fatalf("second set_cron_signals() = %v, want true", got)
	}
	if installs != 1 {
		t.Fatalf("handlers installed %d times, want 1", installs)
	}
	if got := h.Coordinator().State(); got != signals.Closed {
		t.Fatalf("coordinator state = %v, want closed after return", got)
	}
	if got := h.L.GetGlobal("cleaned"); got != lua.LNil {
		t.Fatal("delete_run_file ran on a normal return")
	}

	tbl, ok := h.L.GetGlobal("seen_args").(*lua.LTable)
	if !ok {
		t.Fatal("arg table not visible to the engine")
	}
	for i, want := range args {
		if got := tbl.RawGet(lua.LNumber(i)).String(); got != want {
			t.Fatalf("arg[%d] = %q, want %q", i, got, want)
		}
	}
	if got := h.L.GetGlobal("seen_path").String(); got != os.Getenv(LoadPathEnv) {
		t.Fatalf("package.path = %q, want %q", got, os.Getenv(LoadPathEnv))
	}
}

func TestBootDoesNotInstallEagerly(t *testing.T) {
	engineFixture(t, Namespace, `return { main = function() end }`)
	var installs int
	h := newTestHost(t, WithSignalOptions(signals.WithOnInstall(func() { installs++ })))

	if err := h.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if installs != 0 {
		t.Fatalf("handlers installed %d times without set_cron_signals", installs)
	}
}

func TestBootOnlyOnce(t *testing.T) {
	engineFixture(t, Namespace, `return { main = function() end }`)
	h := newTestHost(t)

	if err := h.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := h.Boot(nil); !errors.Is(err, ErrAlreadyBooted) {
		t.Fatalf("second Boot = %v, want ErrAlreadyBooted", err)
	}
}

func TestBootFailures(t *testing.T) {
	tests := []struct {
		name   string
		module string
		src    string
		want   error
	}{
		{name: "missing module", module: "other.engine", src: `return {}`, want: ErrNamespace},
		{name: "syntax error", module: Namespace, src: `return {`, want: ErrNamespace},
		{name: "not a table", module: Namespace, src: `return 42`, want: ErrNamespace},
		{name: "no main", module: Namespace, src: `return { delete_run_file = function() end }`, want: ErrEntry},
		{name: "main raises", module: Namespace, src: `return { main = function() error("crontab unreadable") end }`, want: ErrEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engineFixture(t, tt.module, tt.src)
			h := newTestHost(t)
			err := h.Boot([]string{"mcron"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Boot = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCleanupCallsEngine(t *testing.T) {
	engineFixture(t, Namespace, normalEngine)
	h := newTestHost(t)
	if err := h.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := h.Cleanup(testContext(t)); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := h.L.GetGlobal("cleaned"); got != lua.LTrue {
		t.Fatal("delete_run_file was not called")
	}
}

func TestCleanupMissingCallback(t *testing.T) {
	engineFixture(t, Namespace, `return { main = function() end }`)
	h := newTestHost(t)
	if err := h.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := h.Cleanup(testContext(t)); err == nil {
		t.Fatal("expected error for missing delete_run_file")
	}
}

func TestCleanupBeforeBoot(t *testing.T) {
	h := newTestHost(t)
	if err := h.Cleanup(testContext(t)); err == nil {
		t.Fatal("expected error before Boot")
	}
}

func TestWithNamespace(t *testing.T) {
	engineFixture(t, "custom.engine", `return { main = function() custom = true end }`)
	h := newTestHost(t, WithNamespace("custom.engine"))
	if err := h.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := h.L.GetGlobal("custom"); got != lua.LTrue {
		t.Fatal("custom namespace entry did not run")
	}
}

func TestCleanupUsesSeparateStateWhileEngineHoldsVM(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "cleaned")
	t.Setenv("MCRON_TEST_MARKER", marker)
	engineFixture(t, Namespace, `
local M = {}
function M.main() end
function M.delete_run_file()
  cleaned = true
  local f = assert(io.open(os.getenv("MCRON_TEST_MARKER"), "w"))
  f:write(tostring(arg[0]))
  f:close()
end
return M
`)
	h := newTestHost(t)
	if err := h.Boot([]string{"mcron-test"}); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	// Stand-in for an engine stuck in a native call.
	h.vm.Lock()
	err := h.Cleanup(testContext(t))
	h.vm.Unlock()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	b, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("delete_run_file did not run: %v", err)
	}
	if string(b) != "mcron-test" {
		t.Fatalf("arg[0] in cleanup state = %q, want mcron-test", b)
	}
	if got := h.L.GetGlobal("cleaned"); got != lua.LNil {
		t.Fatal("cleanup ran in the boot state while it was held")
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
