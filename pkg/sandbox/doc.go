// Package sandbox runs plugin code inside a restricted Lua interpreter.
//
// Each loaded plugin gets its own Sandbox. The interpreter opens only the
// base, table, string and math libraries and removes every global that can
// load code or reach the host. Plugins reach the host exclusively through the
// fs, http, log, json and os modules returned by require, and every call into
// those modules is checked against the plugin's plugins.SandboxPolicy:
//
//   - fs paths are canonicalized (symlinks resolved) and must fall under the
//     read or write allow-list
//   - http is denied unless the policy allows network access
//   - os is only available with the system_access permission
//
// A denied operation raises a *plugins.SecurityError inside Lua and is
// recorded in Violations. It fails the current call even when the plugin
// catches it with pcall, but it does not close the sandbox.
//
// Every call runs under a deadline of the caller's context and the policy's
// CPU time ceiling. Host-side allocations and the allocating string and
// table builtins are charged against the memory ceiling, and a heap watchdog
// catches growth inside the interpreter. Exceeding either ceiling closes the
// sandbox and returns an error wrapping plugins.ErrLimitExceeded. A call
// stuck in a Go builtin past its deadline is abandoned rather than waited on.
//
// gopher-lua states are not goroutine-safe, so all interpreter access is
// funnelled through a single executor goroutine per sandbox.
package sandbox
