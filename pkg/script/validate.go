// Package script defines the contract every automation script satisfies and
// runs scripts in a sandboxed Lua state bound to a browser page.
//
// A script defines a global function run(spec) and returns a table
// {status = "success"|"failed", notes = string, artifacts = {paths}}. Pauses
// are expressed with page.wait_for; fixed delays are rejected.
package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// EntryPoint is the global function every script defines.
const EntryPoint = "run"

var forbiddenCalls = map[string]bool{
	"sleep":  true,
	"usleep": true,
	"msleep": true,
	"delay":  true,
	"wait":   true,
}

var ErrNoEntryPoint = errors.New("script does not define a global function " + EntryPoint + "(spec)")

// Validate checks that code parses, defines the entry point at top level and
// makes no fixed-delay calls.
func Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return errors.New("script is empty")
	}
	chunk, err := parse.Parse(strings.NewReader(code), "script")
	if err != nil {
		return fmt.Errorf("script does not parse: %w", err)
	}
	if !definesEntryPoint(chunk) {
		return ErrNoEntryPoint
	}
	w := &walker{}
	w.stmts(chunk)
	if len(w.forbidden) > 0 {
		return fmt.Errorf("script uses fixed delays (%s); wait for a condition with page.wait_for instead",
			strings.Join(w.forbidden, ", "))
	}
	return nil
}

func definesEntryPoint(chunk []ast.Stmt) bool {
	for _, stmt := range chunk {
		switch s := stmt.(type) {
		case *ast.FuncDefStmt:
			if s.Name == nil || s.Name.Receiver != nil {
				continue
			}
			if id, ok := s.Name.Func.(*ast.IdentExpr); ok && id.Value == EntryPoint {
				return true
			}
		case *ast.AssignStmt:
			for i, lhs := range s.Lhs {
				id, ok := lhs.(*ast.IdentExpr)
				if !ok || id.Value != EntryPoint || i >= len(s.Rhs) {
					continue
				}
				if _, ok := s.Rhs[i].(*ast.FunctionExpr); ok {
					return true
				}
			}
		}
	}
	return false
}

// walker collects the names of forbidden calls anywhere in the chunk.
type walker struct {
	forbidden []string
}

func (w *walker) stmts(stmts []ast.Stmt) {
	for _, stmt := range stmts {
		w.stmt(stmt)
	}
}

func (w *walker) stmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		w.exprs(s.Lhs)
		w.exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		w.exprs(s.Exprs)
	case *ast.FuncCallStmt:
		w.expr(s.Expr)
	case *ast.DoBlockStmt:
		w.stmts(s.Stmts)
	case *ast.WhileStmt:
		w.expr(s.Condition)
		w.stmts(s.Stmts)
	case *ast.RepeatStmt:
		w.expr(s.Condition)
		w.stmts(s.Stmts)
	case *ast.IfStmt:
		w.expr(s.Condition)
		w.stmts(s.Then)
		w.stmts(s.Else)
	case *ast.NumberForStmt:
		w.expr(s.Init)
		w.expr(s.Limit)
		w.expr(s.Step)
		w.stmts(s.Stmts)
	case *ast.GenericForStmt:
		w.exprs(s.Exprs)
		w.stmts(s.Stmts)
	case *ast.FuncDefStmt:
		w.expr(s.Func)
	case *ast.ReturnStmt:
		w.exprs(s.Exprs)
	}
}

func (w *walker) exprs(exprs []ast.Expr) {
	for _, e := range exprs {
		w.expr(e)
	}
}

func (w *walker) expr(expr ast.Expr) {
	switch e := expr.(type) {
	case nil:
	case *ast.FuncCallExpr:
		if name := callName(e); forbiddenCalls[name] {
			w.forbidden = append(w.forbidden, name)
		}
		w.expr(e.Func)
		w.expr(e.Receiver)
		w.exprs(e.Args)
	case *ast.AttrGetExpr:
		w.expr(e.Object)
		w.expr(e.Key)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			w.expr(f.Key)
			w.expr(f.Value)
		}
	case *ast.FunctionExpr:
		w.stmts(e.Stmts)
	case *ast.LogicalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.RelationalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.StringConcatOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		w.expr(e.Expr)
	}
}

// callName is the called function's own name: sleep for sleep(), os.sleep()
// and obj:sleep().
func callName(call *ast.FuncCallExpr) string {
	if call.Method != "" {
		return call.Method
	}
	switch fn := call.Func.(type) {
	case *ast.IdentExpr:
		return fn.Value
	case *ast.AttrGetExpr:
		if key, ok := fn.Key.(*ast.StringExpr); ok {
			return key.Value
		}
	}
	return ""
}
