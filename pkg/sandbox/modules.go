package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/hangar/pkg/plugins"
	lua "github.com/yuin/gopher-lua"
)

// Modules that are never available, whatever the policy says.
var forbiddenModules = map[string]bool{
	"io":        true,
	"debug":     true,
	"package":   true,
	"ffi":       true,
	"coroutine": true,
	"channel":   true,
}

// require resolves host modules from the policy allow-list and package-local
// Lua modules under the install directory. Everything else is denied.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)
	if mod, ok := s.loaded[name]; ok {
		L.Push(mod)
		return 1
	}

	var mod lua.LValue
	switch {
	case forbiddenModules[name]:
		return s.deny(L, "require", name, "module is not available in the sandbox")
	case name == "string" || name == "table" || name == "math":
		mod = L.GetGlobal(name)
	case name == "fs" || name == "http" || name == "log" || name == "json" || name == "os":
		if !s.policy.AllowsModule(name) {
			return s.deny(L, "require", name, "module not permitted by policy")
		}
		mod = s.hostModule(L, name)
	default:
		mod = s.requireLocal(L, name)
	}

	s.loaded[name] = mod
	L.Push(mod)
	return 1
}

func (s *Sandbox) requireLocal(L *lua.LState, name string) lua.LValue {
	if s.dir == "" || strings.ContainsAny(name, `/\`) {
		s.deny(L, "require", name, "module is not available in the sandbox")
	}
	path, err := plugins.ResolveModulePath(s.dir, strings.ReplaceAll(name, ".", "/")+".lua")
	if err != nil {
		s.deny(L, "require", name, err.Error())
	}
	src, err := os.ReadFile(path)
	if err != nil {
		s.deny(L, "require", name, "module is not available in the sandbox")
	}
	s.charge(L, len(src))

	fn, err := L.Load(bytes.NewReader(src), name)
	if err != nil {
		L.RaiseError("failed to load module %s: %s", name, err.Error())
	}
	L.Push(fn)
	L.Call(0, 1)
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		return lua.LTrue
	}
	return ret
}

func (s *Sandbox) hostModule(L *lua.LState, name string) *lua.LTable {
	var funcs map[string]lua.LGFunction
	switch name {
	case "fs":
		funcs = map[string]lua.LGFunction{
			"read":    s.fsRead,
			"write":   s.fsWrite,
			"append":  s.fsAppend,
			"exists":  s.fsExists,
			"list":    s.fsList,
			"mkdir":   s.fsMkdir,
			"remove":  s.fsRemove,
			"tempdir": s.fsTempDir,
		}
	case "http":
		funcs = map[string]lua.LGFunction{
			"get":  s.httpGet,
			"post": s.httpPost,
		}
	case "log":
		funcs = map[string]lua.LGFunction{
			"debug": func(L *lua.LState) int { s.logger.Debug(L.CheckString(1)); return 0 },
			"info":  func(L *lua.LState) int { s.logger.Info(L.CheckString(1)); return 0 },
			"warn":  func(L *lua.LState) int { s.logger.Warn(L.CheckString(1)); return 0 },
			"error": func(L *lua.LState) int { s.logger.Error(L.CheckString(1)); return 0 },
		}
	case "json":
		funcs = map[string]lua.LGFunction{
			"encode": s.jsonEncode,
			"decode": s.jsonDecode,
		}
	case "os":
		funcs = map[string]lua.LGFunction{
			"time":   func(L *lua.LState) int { L.Push(lua.LNumber(time.Now().Unix())); return 1 },
			"clock":  func(L *lua.LState) int { L.Push(lua.LNumber(time.Since(s.started).Seconds())); return 1 },
			"date":   s.osDate,
			"getenv": s.osGetenv,
		}
	}
	return L.SetFuncs(L.NewTable(), funcs)
}

// checkPath canonicalizes a plugin-supplied path and checks it against the
// read or write allow-list. Relative paths are taken from the install dir.
func (s *Sandbox) checkPath(L *lua.LState, op, p string, write bool) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, p)
	}
	resolved, err := canonicalPath(p)
	if err != nil {
		s.deny(L, op, p, "path cannot be resolved")
	}
	roots, kind := s.readRoots, "read"
	if write {
		roots, kind = s.writeRoots, "write"
	}
	if !within(resolved, roots) {
		s.deny(L, op, resolved, "path outside the "+kind+" allow-list")
	}
	return resolved
}

func (s *Sandbox) fsRead(L *lua.LState) int {
	path := s.checkPath(L, "fs.read", L.CheckString(1), false)
	info, err := os.Stat(path)
	if err != nil {
		return pushError(L, err)
	}
	if s.policy.MaxFileSize > 0 && info.Size() > s.policy.MaxFileSize {
		L.RaiseError("file %s exceeds the %d byte limit", path, s.policy.MaxFileSize)
	}
	s.charge(L, int(info.Size()))
	data, err := os.ReadFile(path)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

func (s *Sandbox) fsWrite(L *lua.LState) int {
	return s.writeFile(L, "fs.write", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s *Sandbox) fsAppend(L *lua.LState) int {
	return s.writeFile(L, "fs.append", os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (s *Sandbox) writeFile(L *lua.LState, op string, flag int) int {
	path := s.checkPath(L, op, L.CheckString(1), true)
	data := L.CheckString(2)

	size := int64(len(data))
	if flag&os.O_APPEND != 0 {
		if info, err := os.Stat(path); err == nil {
			size += info.Size()
		}
	}
	if s.policy.MaxFileSize > 0 && size > s.policy.MaxFileSize {
		L.RaiseError("file %s would exceed the %d byte limit", path, s.policy.MaxFileSize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pushError(L, err)
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return pushError(L, err)
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return pushError(L, err)
	}
	if err := f.Close(); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Sandbox) fsExists(L *lua.LState) int {
	path := s.checkPath(L, "fs.exists", L.CheckString(1), false)
	_, err := os.Stat(path)
	L.Push(lua.LBool(err == nil))
	return 1
}

func (s *Sandbox) fsList(L *lua.LState) int {
	path := s.checkPath(L, "fs.list", L.CheckString(1), false)
	entries, err := os.ReadDir(path)
	if err != nil {
		return pushError(L, err)
	}
	t := L.CreateTable(len(entries), 0)
	for _, e := range entries {
		s.charge(L, len(e.Name()))
		t.Append(lua.LString(e.Name()))
	}
	L.Push(t)
	return 1
}

func (s *Sandbox) fsMkdir(L *lua.LState) int {
	path := s.checkPath(L, "fs.mkdir", L.CheckString(1), true)
	if err := os.MkdirAll(path, 0755); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Sandbox) fsRemove(L *lua.LState) int {
	path := s.checkPath(L, "fs.remove", L.CheckString(1), true)
	for _, root := range s.writeRoots {
		if path == root {
			s.deny(L, "fs.remove", path, "cannot remove an allow-list root")
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Sandbox) fsTempDir(L *lua.LState) int {
	if s.tempDir == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(s.tempDir))
	return 1
}

func (s *Sandbox) httpGet(L *lua.LState) int {
	return s.httpDo(L, http.MethodGet, L.CheckString(1), "", L.OptTable(2, nil))
}

func (s *Sandbox) httpPost(L *lua.LState) int {
	return s.httpDo(L, http.MethodPost, L.CheckString(1), L.OptString(2, ""), L.OptTable(3, nil))
}

func (s *Sandbox) httpDo(L *lua.LState, method, rawURL, body string, headers *lua.LTable) int {
	op := "http." + strings.ToLower(method)
	if !s.policy.NetworkAllowed {
		s.deny(L, op, rawURL, "network permission not granted")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		L.ArgError(1, "expected an absolute http or https URL")
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(body))
	if err != nil {
		return pushError(L, err)
	}
	if headers != nil {
		headers.ForEach(func(k, v lua.LValue) {
			req.Header.Set(k.String(), v.String())
		})
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return pushError(L, err)
	}
	defer resp.Body.Close()

	limit := s.policy.MaxFileSize
	if limit <= 0 {
		limit = plugins.DefaultLimits().MaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return pushError(L, err)
	}
	if int64(len(data)) > limit {
		L.RaiseError("response body from %s exceeds the %d byte limit", u.Host, limit)
	}
	s.charge(L, len(data))

	out := L.NewTable()
	out.RawSetString("status", lua.LNumber(resp.StatusCode))
	out.RawSetString("body", lua.LString(data))
	hdr := L.NewTable()
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hdr.RawSetString(strings.ToLower(k), lua.LString(resp.Header.Get(k)))
	}
	out.RawSetString("headers", hdr)
	L.Push(out)
	return 1
}

func (s *Sandbox) jsonEncode(L *lua.LState) int {
	data, err := json.Marshal(ToGo(L.CheckAny(1)))
	if err != nil {
		return pushError(L, err)
	}
	s.charge(L, len(data))
	L.Push(lua.LString(data))
	return 1
}

func (s *Sandbox) jsonDecode(L *lua.LState) int {
	src := L.CheckString(1)
	s.charge(L, 2*len(src))
	var v any
	if err := json.Unmarshal([]byte(src), &v); err != nil {
		return pushError(L, err)
	}
	L.Push(ToLua(L, v))
	return 1
}

func (s *Sandbox) osDate(L *lua.LState) int {
	layout := L.OptString(1, time.RFC3339)
	L.Push(lua.LString(time.Now().UTC().Format(layout)))
	return 1
}

func (s *Sandbox) osGetenv(L *lua.LState) int {
	v, ok := os.LookupEnv(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

// pushError follows the Lua convention of returning nil plus a message for
// ordinary I/O failures.
func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(fmt.Sprint(err)))
	return 2
}
