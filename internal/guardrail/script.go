package guardrail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Script is a predicate guardrail written in Lua. The script must define
//
//	function validate(output) return ok, reason end
//
// Every Check runs in a fresh sandboxed state so scripts cannot carry
// state between outputs.
type Script struct {
	name   string
	source string
}

// NewScript compiles source once to surface syntax errors and a missing
// validate function early.
func NewScript(name, source string) (*Script, error) {
	s := &Script{name: name, source: source}

	L := newSandbox()
	defer L.Close()
	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("failed to load guardrail script %s: %w", name, err)
	}
	if _, ok := L.GetGlobal("validate").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("guardrail script %s must define a 'validate' function", name)
	}

	return s, nil
}

// LoadScript reads a Lua guardrail from disk.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guardrail script: %w", err)
	}
	return NewScript("lua:"+filepath.Base(path), string(data))
}

func (s *Script) Name() string { return s.name }

func (s *Script) Check(ctx context.Context, output string) (Verdict, error) {
	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoString(s.source); err != nil {
		return Verdict{}, fmt.Errorf("failed to load script: %w", err)
	}

	fn, ok := L.GetGlobal("validate").(*lua.LFunction)
	if !ok {
		return Verdict{}, fmt.Errorf("script must define a 'validate' function")
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, lua.LString(output)); err != nil {
		return Verdict{}, fmt.Errorf("validate failed: %w", err)
	}

	pass := lua.LVAsBool(L.Get(-2))
	var reason string
	if rv := L.Get(-1); rv != lua.LNil {
		reason = strings.TrimSpace(rv.String())
	}
	L.Pop(2)

	return Verdict{Pass: pass, Reason: reason}, nil
}

// newSandbox opens only deterministic, side-effect-free libraries.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	L.SetGlobal("require", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}

	return L
}
