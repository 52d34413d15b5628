package sandbox

import (
	"errors"
	"fmt"
	"math"

	"github.com/platinummonkey/hangar/pkg/plugins"
	lua "github.com/yuin/gopher-lua"
)

const (
	// maxPatternSubject bounds the subject of find, match, gmatch and gsub.
	maxPatternSubject = 1 << 20
	// maxPatternCost bounds the estimated backtracking work of one match.
	maxPatternCost = 1e10
	// maxFormatDigits bounds width and precision in string.format.
	maxFormatDigits = 2
)

type builtinGuard func(L *lua.LState, orig *lua.LFunction) int

// guardBuiltins replaces the string and table functions that can allocate
// or spin without bound with versions that charge the meter first. The string
// table doubles as the string metatable's __index, so method calls such as
// s:rep(n) go through the same guards.
func (s *Sandbox) guardBuiltins(L *lua.LState) error {
	str, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s library is not open", lua.StringLibName)
	}
	tab, ok := L.GetGlobal(lua.TabLibName).(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s library is not open", lua.TabLibName)
	}

	for _, g := range []struct {
		lib   *lua.LTable
		name  string
		guard builtinGuard
	}{
		{str, "rep", s.guardRep},
		{str, "upper", s.guardCopy},
		{str, "lower", s.guardCopy},
		{str, "reverse", s.guardCopy},
		{str, "format", s.guardFormat},
		{str, "gsub", s.guardGsub},
		{str, "find", s.guardFind},
		{str, "match", s.guardPattern},
		{str, "gmatch", s.guardPattern},
		{tab, "concat", s.guardConcat},
	} {
		orig, ok := g.lib.RawGetString(g.name).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("builtin %s is missing", g.name)
		}
		guard := g.guard
		g.lib.RawSetString(g.name, L.NewFunction(func(L *lua.LState) int {
			return guard(L, orig)
		}))
	}
	return nil
}

// delegate calls orig with the current arguments and leaves its results on
// the stack.
func delegate(L *lua.LState, orig *lua.LFunction) int {
	top := L.GetTop()
	args := make([]lua.LValue, top)
	for i := range args {
		args[i] = L.Get(i + 1)
	}
	if err := L.CallByParam(lua.P{Fn: orig, NRet: lua.MultRet}, args...); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return L.GetTop() - top
}

func (s *Sandbox) guardRep(L *lua.LState, orig *lua.LFunction) int {
	str := L.CheckString(1)
	n := L.CheckInt(2)
	if n > 0 && len(str) > 0 {
		size := math.MaxInt
		if n <= math.MaxInt/len(str) {
			size = n * len(str)
		}
		s.charge(L, size)
	}
	return delegate(L, orig)
}

// guardCopy charges builtins whose result is as long as their argument.
func (s *Sandbox) guardCopy(L *lua.LState, orig *lua.LFunction) int {
	s.charge(L, len(L.CheckString(1)))
	return delegate(L, orig)
}

func (s *Sandbox) guardFormat(L *lua.LState, orig *lua.LFunction) int {
	if err := checkFormat(L.CheckString(1)); err != nil {
		L.ArgError(1, err.Error())
	}
	n := delegate(L, orig)
	s.charge(L, len(lua.LVAsString(L.Get(-n))))
	return n
}

func (s *Sandbox) guardGsub(L *lua.LState, orig *lua.LFunction) int {
	str := L.CheckString(1)
	s.checkPattern(L, str, L.CheckString(2))

	repl, ok := L.Get(3).(lua.LString)
	if !ok {
		n := delegate(L, orig)
		s.charge(L, len(lua.LVAsString(L.Get(-n))))
		return n
	}
	matches := len(str) + 1
	if limit := L.OptInt(4, -1); limit >= 0 && limit < matches {
		matches = limit
	}
	s.charge(L, len(str)+matches*len(repl))
	return delegate(L, orig)
}

func (s *Sandbox) guardPattern(L *lua.LState, orig *lua.LFunction) int {
	s.checkPattern(L, L.CheckString(1), L.CheckString(2))
	return delegate(L, orig)
}

// guardFind skips the pattern checks for plain searches.
func (s *Sandbox) guardFind(L *lua.LState, orig *lua.LFunction) int {
	if L.GetTop() >= 4 && lua.LVAsBool(L.Get(4)) {
		return delegate(L, orig)
	}
	return s.guardPattern(L, orig)
}

func (s *Sandbox) guardConcat(L *lua.LState, orig *lua.LFunction) int {
	tbl := L.CheckTable(1)
	sep := len(L.OptString(2, ""))
	n := tbl.Len()
	i := max(L.OptInt(3, 1), 1)
	j := min(L.OptInt(4, n), n)

	size := 0
	for k := i; k <= j; k++ {
		switch v := tbl.RawGetInt(k).(type) {
		case lua.LString:
			size += len(v)
		case lua.LNumber:
			size += len(v.String())
		}
		if k < j {
			size += sep
		}
		if size > math.MaxInt/2 {
			break
		}
	}
	s.charge(L, size)
	return delegate(L, orig)
}

// checkPattern rejects subjects and patterns whose match could run for
// longer than any call is allowed to. The interpreter cannot interrupt a
// match in progress.
func (s *Sandbox) checkPattern(L *lua.LState, str, pattern string) {
	if len(str) > maxPatternSubject {
		s.raise(L, fmt.Errorf("%w: %d byte subject exceeds the %d byte pattern limit", plugins.ErrLimitExceeded, len(str), maxPatternSubject))
	}
	if cost := patternCost(pattern, len(str)); cost > maxPatternCost {
		s.raise(L, fmt.Errorf("%w: pattern %q is too expensive for a %d byte subject", plugins.ErrLimitExceeded, pattern, len(str)))
	}
}

// patternCost estimates the backtracking work of matching pattern against a
// subject of n bytes. Every repetition of the any-character class can
// multiply the work by n.
func patternCost(pattern string, n int) float64 {
	reps := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '%':
			i++
		case '[':
			i = classEnd(pattern, i)
		case '.':
			if i+1 < len(pattern) {
				switch pattern[i+1] {
				case '*', '-', '+':
					reps++
					i++
				}
			}
		}
	}
	return math.Pow(float64(n)+1, float64(reps+1))
}

// classEnd returns the index of the ']' closing the set opened at pattern[i].
func classEnd(pattern string, i int) int {
	i++
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for ; i < len(pattern); i++ {
		switch pattern[i] {
		case '%':
			i++
		case ']':
			return i
		}
	}
	return len(pattern)
}

// checkFormat rejects width and precision fields longer than
// maxFormatDigits, which would let a short format allocate gigabytes.
func checkFormat(format string) error {
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		if i < len(format) && format[i] == '%' {
			continue
		}
		for i < len(format) && (format[i] == '-' || format[i] == '+' || format[i] == ' ' || format[i] == '#' || format[i] == '0') {
			i++
		}
		digits := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			digits++
			i++
		}
		if digits > maxFormatDigits {
			return errors.New("invalid format (width too long)")
		}
		if i < len(format) && format[i] == '.' {
			i++
			digits = 0
			for i < len(format) && format[i] >= '0' && format[i] <= '9' {
				digits++
				i++
			}
			if digits > maxFormatDigits {
				return errors.New("invalid format (precision too long)")
			}
		}
	}
	return nil
}
