// Package host runs the scheduler engine inside an embedded Lua runtime.
//
// The engine is Lua code found through LUA_PATH. The bridge between the two
// sides is deliberately narrow:
//
//   - the engine module (Namespace) must return a table;
//   - its `main` function is called once and owns the process from then on;
//   - the host exposes one global, `set_cron_signals()`, which installs the
//     termination signal handling and returns true;
//   - on a termination signal the host calls the module's
//     `delete_run_file` and the process exits with status 1.
//
// The boot Lua state is never touched from more than one goroutine at a
// time. A signal interrupts the running engine through the VM's context and
// Boot parks before the coordinator runs the cleanup there. An engine stuck
// in a native call (os.execute) can't be interrupted; after the grace
// period its cleanup runs in a second, fresh state instead.
package host
