package plugins

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Globals that compile or execute code at runtime.
var dynamicExecGlobals = map[string]bool{
	"load": true, "loadstring": true, "dofile": true, "loadfile": true,
	"setfenv": true, "getfenv": true,
}

// Modules that are never available to plugins.
var forbiddenModules = map[string]bool{"io": true, "debug": true, "package": true, "ffi": true}

var fsWriteFuncs = map[string]bool{"write": true, "append": true, "mkdir": true, "remove": true}

type luaScanner struct {
	file     string
	perms    []Permission
	findings []Finding
}

func scanLuaSource(src []byte, file string, perms []Permission) []Finding {
	chunk, err := parse.Parse(bytes.NewReader(src), file)
	if err != nil {
		return []Finding{{
			Severity: SeverityCritical,
			RuleID:   RuleLuaParse,
			Message:  fmt.Sprintf("failed to parse: %v", err),
			File:     file,
		}}
	}
	s := &luaScanner{file: file, perms: perms}
	s.stmts(chunk)
	return s.findings
}

func (s *luaScanner) has(p Permission) bool {
	return slices.Contains(s.perms, p)
}

func (s *luaScanner) report(sev Severity, rule string, line int, format string, args ...any) {
	s.findings = append(s.findings, Finding{
		Severity: sev,
		RuleID:   rule,
		Message:  fmt.Sprintf(format, args...),
		File:     s.file,
		Line:     line,
	})
}

func (s *luaScanner) stmts(list []ast.Stmt) {
	for _, st := range list {
		s.stmt(st)
	}
}

func (s *luaScanner) stmt(st ast.Stmt) {
	switch n := st.(type) {
	case *ast.AssignStmt:
		s.exprs(n.Lhs)
		s.exprs(n.Rhs)
	case *ast.LocalAssignStmt:
		s.exprs(n.Exprs)
	case *ast.FuncCallStmt:
		s.expr(n.Expr)
	case *ast.DoBlockStmt:
		s.stmts(n.Stmts)
	case *ast.WhileStmt:
		s.expr(n.Condition)
		s.stmts(n.Stmts)
	case *ast.RepeatStmt:
		s.stmts(n.Stmts)
		s.expr(n.Condition)
	case *ast.IfStmt:
		s.expr(n.Condition)
		s.stmts(n.Then)
		s.stmts(n.Else)
	case *ast.NumberForStmt:
		s.expr(n.Init)
		s.expr(n.Limit)
		s.expr(n.Step)
		s.stmts(n.Stmts)
	case *ast.GenericForStmt:
		s.exprs(n.Exprs)
		s.stmts(n.Stmts)
	case *ast.FuncDefStmt:
		if n.Name != nil {
			s.expr(n.Name.Func)
			s.expr(n.Name.Receiver)
		}
		s.expr(n.Func)
	case *ast.ReturnStmt:
		s.exprs(n.Exprs)
	}
}

func (s *luaScanner) exprs(list []ast.Expr) {
	for _, e := range list {
		s.expr(e)
	}
}

func (s *luaScanner) expr(e ast.Expr) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *ast.IdentExpr:
		if dynamicExecGlobals[n.Value] {
			s.report(SeverityCritical, RuleDynamicExec, n.Line(), "dynamic code execution via %s", n.Value)
		}
	case *ast.AttrGetExpr:
		s.attr(n)
		s.expr(n.Object)
		s.expr(n.Key)
	case *ast.FuncCallExpr:
		s.call(n)
		s.expr(n.Func)
		s.expr(n.Receiver)
		s.exprs(n.Args)
	case *ast.TableExpr:
		for _, f := range n.Fields {
			s.expr(f.Key)
			s.expr(f.Value)
		}
	case *ast.FunctionExpr:
		s.stmts(n.Stmts)
	case *ast.LogicalOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.RelationalOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.StringConcatOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.ArithmeticOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.UnaryMinusOpExpr:
		s.expr(n.Expr)
	case *ast.UnaryNotOpExpr:
		s.expr(n.Expr)
	case *ast.UnaryLenOpExpr:
		s.expr(n.Expr)
	}
}

// attr flags use of the os/io/debug globals, dynamic execution reached
// through _G, and undeclared fs writes.
func (s *luaScanner) attr(n *ast.AttrGetExpr) {
	obj, ok := n.Object.(*ast.IdentExpr)
	if !ok {
		return
	}
	key, _ := n.Key.(*ast.StringExpr)
	switch {
	case obj.Value == "_G" && key != nil && dynamicExecGlobals[key.Value]:
		s.report(SeverityCritical, RuleDynamicExec, n.Line(), "dynamic code execution via _G.%s", key.Value)
	case obj.Value == "_G" && key != nil && forbiddenModules[key.Value]:
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "use of %s facilities is not permitted", key.Value)
	case obj.Value == "_G" && key != nil && key.Value == "os" && !s.has(PermissionSystem):
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "use of os facilities without system_access permission")
	case obj.Value == "os" && !s.has(PermissionSystem):
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "use of os facilities without system_access permission")
	case forbiddenModules[obj.Value]:
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "use of %s facilities is not permitted", obj.Value)
	case obj.Value == "fs" && key != nil && fsWriteFuncs[key.Value] &&
		!s.has(PermissionFileWrite) && !s.has(PermissionTempWrite):
		s.report(SeverityWarning, RuleImportFilesystem, n.Line(), "fs.%s used without file_write or temp_write permission", key.Value)
	}
}

func (s *luaScanner) call(n *ast.FuncCallExpr) {
	fn, ok := n.Func.(*ast.IdentExpr)
	if !ok || fn.Value != "require" {
		return
	}
	if len(n.Args) == 0 {
		return
	}
	lit, ok := n.Args[0].(*ast.StringExpr)
	if !ok {
		s.report(SeverityWarning, RuleImportDynamic, n.Line(), "require with a computed module name")
		return
	}
	switch mod := lit.Value; {
	case forbiddenModules[mod]:
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "require(%q) is not permitted", mod)
	case mod == "os" && !s.has(PermissionSystem):
		s.report(SeverityCritical, RuleImportSystem, n.Line(), "require(\"os\") without system_access permission")
	case mod == "http" && !s.has(PermissionNetwork):
		s.report(SeverityCritical, RuleImportNetwork, n.Line(), "require(\"http\") without network permission")
	}
}

// entryShape describes what the entry module defines for its symbol.
type entryShape struct {
	defined bool
	methods map[string]bool
}

// inspectEntryModule looks at the top level of the entry module for an
// assignment to symbol (global or returned local) and the methods attached to it.
func inspectEntryModule(src []byte, file, symbol string) (entryShape, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), file)
	if err != nil {
		return entryShape{}, err
	}
	shape := entryShape{methods: map[string]bool{}}
	isSymbol := func(e ast.Expr) bool {
		id, ok := e.(*ast.IdentExpr)
		return ok && id.Value == symbol
	}
	tableFields := func(e ast.Expr) {
		tbl, ok := e.(*ast.TableExpr)
		if !ok {
			return
		}
		for _, f := range tbl.Fields {
			if k, ok := f.Key.(*ast.StringExpr); ok {
				if _, isFn := f.Value.(*ast.FunctionExpr); isFn {
					shape.methods[k.Value] = true
				}
			}
		}
	}

	localSymbol := false
	for _, st := range chunk {
		switch n := st.(type) {
		case *ast.AssignStmt:
			for i, lhs := range n.Lhs {
				if isSymbol(lhs) {
					shape.defined = true
					if i < len(n.Rhs) {
						tableFields(n.Rhs[i])
					}
				}
				if attr, ok := lhs.(*ast.AttrGetExpr); ok && isSymbol(attr.Object) {
					if k, ok := attr.Key.(*ast.StringExpr); ok {
						shape.methods[k.Value] = true
					}
				}
			}
		case *ast.LocalAssignStmt:
			for i, name := range n.Names {
				if name == symbol {
					localSymbol = true
					if i < len(n.Exprs) {
						tableFields(n.Exprs[i])
					}
				}
			}
		case *ast.FuncDefStmt:
			if n.Name == nil {
				continue
			}
			if n.Name.Receiver != nil && isSymbol(n.Name.Receiver) {
				shape.methods[n.Name.Method] = true
			}
			if attr, ok := n.Name.Func.(*ast.AttrGetExpr); ok && isSymbol(attr.Object) {
				if k, ok := attr.Key.(*ast.StringExpr); ok {
					shape.methods[k.Value] = true
				}
			}
		case *ast.ReturnStmt:
			if len(n.Exprs) == 0 {
				continue
			}
			switch ret := n.Exprs[0].(type) {
			case *ast.IdentExpr:
				if ret.Value == symbol && localSymbol {
					shape.defined = true
				}
			case *ast.TableExpr:
				shape.defined = true
				tableFields(ret)
			}
		}
	}
	return shape, nil
}
