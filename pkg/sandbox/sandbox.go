package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

const (
	errorTypeName = "hangar.error"

	minCallStack    = 200
	maxCallStack    = 1024
	registryInitial = 20 * 256
	registryMax     = 4 * 1024 * 1024
)

// Globals removed from the base library.
var removedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring",
	"module", "setfenv", "getfenv", "_printregs",
}

// Sandbox is an isolated Lua interpreter for one loaded plugin. It enforces
// the plugin's SandboxPolicy at every host call and bounds each call with the
// policy's CPU time and memory ceilings.
type Sandbox struct {
	name    string
	policy  plugins.SandboxPolicy
	logger  *logrus.Entry
	client  *http.Client
	tempDir string
	started time.Time

	readRoots  []string
	writeRoots []string

	exec  *executor
	meter *meter

	onViolation func(*plugins.SecurityError)

	// Owned by the executor goroutine.
	dir      string
	instance *lua.LTable
	loaded   map[string]lua.LValue

	mu         sync.Mutex
	violations []*plugins.SecurityError
	closeErr   error
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithLogger sets the logger plugin output is written to
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger.WithField("plugin", s.name)
		}
	}
}

// WithHTTPClient sets the client behind the http host module
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sandbox) {
		s.client = client
	}
}

// WithTempDir sets the directory returned by fs.tempdir().
func WithTempDir(dir string) Option {
	return func(s *Sandbox) {
		s.tempDir = dir
	}
}

// WithViolationHandler registers fn to be called for every denied operation.
func WithViolationHandler(fn func(*plugins.SecurityError)) Option {
	return func(s *Sandbox) {
		s.onViolation = fn
	}
}

// New creates a sandbox for plugin name enforcing policy.
func New(name string, policy plugins.SandboxPolicy, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		name:    name,
		policy:  policy,
		logger:  logrus.New().WithField("plugin", name),
		started: time.Now(),
		meter:   newMeter(policy.MaxMemory),
		loaded:  make(map[string]lua.LValue),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: policy.MaxCPUTime}
	}

	var err error
	if s.readRoots, err = canonicalRoots(policy.ReadPaths); err != nil {
		return nil, fmt.Errorf("failed to resolve read paths: %w", err)
	}
	if s.writeRoots, err = canonicalRoots(policy.WritePaths); err != nil {
		return nil, fmt.Errorf("failed to resolve write paths: %w", err)
	}
	if s.tempDir != "" {
		if s.tempDir, err = canonicalPath(s.tempDir); err != nil {
			return nil, fmt.Errorf("failed to resolve temp dir: %w", err)
		}
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		CallStackSize:    callStackSize(policy.MaxMemory),
		RegistrySize:     registryInitial,
		RegistryMaxSize:  registrySize(policy.MaxMemory),
		RegistryGrowStep: 32,
	})
	if err := s.install(L); err != nil {
		L.Close()
		return nil, err
	}
	s.exec = newExecutor(L)
	return s, nil
}

// install opens the safe libraries and replaces the globals that reach
// outside the interpreter.
func (s *Sandbox) install(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("failed to open %s library: %w", lib.name, err)
		}
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if err := s.guardBuiltins(L); err != nil {
		return err
	}

	mt := L.NewTypeMetatable(errorTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if err, ok := ud.Value.(error); ok {
			L.Push(lua.LString(err.Error()))
		} else {
			L.Push(lua.LString("error"))
		}
		return 1
	}))

	L.SetGlobal("print", L.NewFunction(s.luaPrint))
	L.SetGlobal("require", L.NewFunction(s.require))
	return nil
}

// Name returns the plugin name
func (s *Sandbox) Name() string {
	return s.name
}

// Policy returns the enforced policy
func (s *Sandbox) Policy() plugins.SandboxPolicy {
	return s.policy
}

// Violations returns every operation denied so far.
func (s *Sandbox) Violations() []*plugins.SecurityError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plugins.SecurityError, len(s.violations))
	copy(out, s.violations)
	return out
}

func (s *Sandbox) violationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

// MemoryUsage returns the bytes charged during the most recent call.
func (s *Sandbox) MemoryUsage() int64 {
	return s.meter.usage()
}

// Closed reports whether the sandbox has been torn down.
func (s *Sandbox) Closed() bool {
	return s.exec.closed()
}

// Err returns the limit error that closed the sandbox, if any.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Close tears down the interpreter. It is safe to call more than once.
func (s *Sandbox) Close() error {
	s.exec.close()
	return nil
}

// Load executes the entry module found in dir and binds entry.Symbol as the
// plugin instance. The symbol may be a global table or the chunk's return value.
func (s *Sandbox) Load(ctx context.Context, entry plugins.EntryPoint, dir string) error {
	root, err := canonicalPath(dir)
	if err != nil {
		return plugins.NewPluginError(s.name, "load", err)
	}
	path, err := plugins.ResolveModulePath(root, entry.Module)
	if err != nil {
		return plugins.NewPluginError(s.name, "load", err)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return plugins.NewPluginError(s.name, "load", fmt.Errorf("failed to read entry module: %w", err))
	}

	return s.run(ctx, "load", func(L *lua.LState) error {
		s.dir = root
		fn, err := L.Load(bytes.NewReader(src), entry.Module)
		if err != nil {
			return err
		}
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)

		if t, ok := L.GetGlobal(entry.Symbol).(*lua.LTable); ok {
			s.instance = t
			return nil
		}
		if t, ok := ret.(*lua.LTable); ok {
			s.instance = t
			return nil
		}
		return fmt.Errorf("entry symbol %s is not a table", entry.Symbol)
	}, nil)
}

// Has reports whether the bound instance defines method.
func (s *Sandbox) Has(method string) bool {
	found := false
	_ = s.exec.execute(context.Background(), func(L *lua.LState) error {
		if s.instance != nil {
			_, found = s.instance.RawGetString(method).(*lua.LFunction)
		}
		return nil
	})
	return found
}

// Call invokes instance:method(args...) and returns its first result
// converted with ToGo.
func (s *Sandbox) Call(ctx context.Context, method string, args ...any) (any, error) {
	var result any
	err := s.run(ctx, method, func(L *lua.LState) error {
		if s.instance == nil {
			return errors.New("plugin is not loaded")
		}
		fn, ok := s.instance.RawGetString(method).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMethod, method)
		}
		L.Push(fn)
		L.Push(s.instance)
		for _, arg := range args {
			L.Push(ToLua(L, arg))
		}
		if err := L.PCall(len(args)+1, 1, nil); err != nil {
			return err
		}
		result = ToGo(L.Get(-1))
		L.Pop(1)
		return nil
	}, func() { result = nil })
	return result, err
}

// ErrNoMethod is returned by Call when the instance does not define the method.
var ErrNoMethod = errors.New("method not defined")

// run executes fn on the interpreter under the call deadline and maps the
// outcome onto the sandbox error model.
func (s *Sandbox) run(ctx context.Context, op string, fn func(L *lua.LState) error, reset func()) error {
	if s.exec.closed() {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	callCtx := ctx
	cancel := func() {}
	if s.policy.MaxCPUTime > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.policy.MaxCPUTime)
	}
	defer cancel()
	// The heap watchdog cancels runCtx, leaving callCtx to report the deadline.
	runCtx, stopRun := context.WithCancel(callCtx)
	defer stopRun()

	before := s.violationCount()
	err := s.exec.execute(runCtx, func(L *lua.LState) error {
		s.meter.reset()
		defer s.meter.watch(runCtx, stopRun)()
		L.SetContext(runCtx)
		defer L.RemoveContext()
		return fn(L)
	})
	if errors.Is(err, ErrClosed) {
		return err
	}

	if s.meter.exceeded() {
		return s.terminate(fmt.Errorf("%w: memory ceiling of %d bytes exceeded", plugins.ErrLimitExceeded, s.policy.MaxMemory), reset)
	}
	if errors.Is(err, errAbandoned) {
		return s.terminate(fmt.Errorf("%w: %s did not return within its time limit", plugins.ErrLimitExceeded, op), reset)
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return s.terminate(fmt.Errorf("%w: %s exceeded its time limit", plugins.ErrLimitExceeded, op), reset)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if isOverflow(err) {
			return s.terminate(fmt.Errorf("%w: %v", plugins.ErrLimitExceeded, err), reset)
		}
		if raised := raisedError(err); raised != nil {
			return raised
		}
		if errors.Is(err, ErrNoMethod) {
			return err
		}
		return plugins.NewPluginError(s.name, op, err)
	}

	// A denial caught by pcall inside the plugin still fails the call.
	if v := s.Violations(); len(v) > before {
		return v[before]
	}
	return nil
}

func (s *Sandbox) terminate(err error, reset func()) error {
	s.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = plugins.NewPluginError(s.name, "sandbox", err)
	}
	closeErr := s.closeErr
	s.mu.Unlock()

	if reset != nil {
		reset()
	}
	s.logger.WithError(err).Warn("Terminating plugin sandbox")
	s.exec.close()
	return closeErr
}

// deny records a violation and raises it as a Lua error. It does not return
// normally.
func (s *Sandbox) deny(L *lua.LState, op, target, reason string) int {
	serr := &plugins.SecurityError{Plugin: s.name, Operation: op, Target: target, Reason: reason}

	s.mu.Lock()
	s.violations = append(s.violations, serr)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"operation": op, "target": target}).Warnf("Denied: %s", reason)
	if s.onViolation != nil {
		s.onViolation(serr)
	}
	s.raise(L, serr)
	return 0
}

func (s *Sandbox) raise(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, L.GetTypeMetatable(errorTypeName))
	L.Error(ud, 1)
}

// charge accounts n bytes of host allocation against the memory ceiling and
// aborts the call once it is exceeded.
func (s *Sandbox) charge(L *lua.LState, n int) {
	if !s.meter.charge(int64(n)) {
		s.raise(L, fmt.Errorf("%w: memory ceiling of %d bytes exceeded", plugins.ErrLimitExceeded, s.policy.MaxMemory))
	}
}

func (s *Sandbox) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.logger.Info(strings.Join(parts, "\t"))
	return 0
}

// raisedError extracts a Go error raised through s.raise.
func raisedError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return nil
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if e, ok := ud.Value.(error); ok {
			return e
		}
	}
	return nil
}

func isOverflow(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "stack overflow") || strings.Contains(msg, "registry overflow")
}

func callStackSize(maxMemory int64) int {
	n := int(maxMemory / (64 * 1024))
	return max(minCallStack, min(n, maxCallStack))
}

func registrySize(maxMemory int64) int {
	n := int(maxMemory / 64)
	return max(registryInitial, min(n, registryMax))
}

// canonicalPath returns the absolute form of p with symlinks resolved on the
// longest existing prefix.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

func canonicalRoots(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := canonicalPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func within(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
