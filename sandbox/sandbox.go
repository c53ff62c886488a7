// Package sandbox evaluates pipeline definition scripts inside a locked
// down Lua interpreter. Only the pure parts of the standard library are
// opened; anything that can reach the filesystem, spawn processes, or load
// external code is stripped before user scripts run.
package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Opened in every sandbox. io, os, package, and debug stay closed.
var libraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
	{lua.CoroutineLibName, lua.OpenCoroutine},
}

// New returns a restricted interpreter with the pipeline helper module
// preloaded. The caller owns the returned state and must Close it.
func New() (*lua.LState, error) {
	state := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, library := range libraries {
		err := state.CallByParam(lua.P{
			Fn:      state.NewFunction(library.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(library.name))
		if err != nil {
			state.Close()
			return nil, fmt.Errorf("could not open lua libraries: %w", err)
		}
	}

	// The base library ships loaders that reach the filesystem or compile
	// arbitrary chunks, and print writes straight to the host's stdout.
	// Scripts log through the injected log module instead.
	for _, name := range []string{"require", "dofile", "loadfile", "load", "loadstring", "print"} {
		state.SetGlobal(name, lua.LNil)
	}

	registerPipelineModule(state)

	return state, nil
}

// registerPipelineModule injects the pipeline helper namespace. The helpers
// are ergonomic only: define, input, and stage return their argument
// unchanged, tag builds a {key, value} pair, and builder offers a fluent
// alternative to a literal definition table.
func registerPipelineModule(state *lua.LState) {
	module := state.NewTable()
	state.SetFuncs(module, map[string]lua.LGFunction{
		"define":  passthrough,
		"input":   passthrough,
		"stage":   passthrough,
		"tag":     newTag,
		"builder": newBuilder,
	})
	state.SetGlobal("pipeline", module)
}

func passthrough(state *lua.LState) int {
	state.Push(state.CheckTable(1))

	return 1
}

func newTag(state *lua.LState) int {
	key := state.CheckString(1)
	value := state.CheckString(2)

	tag := state.NewTable()
	tag.RawSetString("key", lua.LString(key))
	tag.RawSetString("value", lua.LString(value))
	state.Push(tag)

	return 1
}

func newBuilder(state *lua.LState) int {
	methods := state.SetFuncs(state.NewTable(), map[string]lua.LGFunction{
		"name":        builderSetString("_name"),
		"description": builderSetString("_description"),
		"input":       builderInput,
		"tag":         builderAppendTable("_runner"),
		"plugin":      builderAppendString("_plugins"),
		"stage":       builderAppendTable("_stages"),
		"build":       builderBuild,
	})
	methods.RawSetString("__index", methods)

	builder := state.NewTable()
	state.SetMetatable(builder, methods)
	state.Push(builder)

	return 1
}

// Builder methods mutate the receiver and return it for chaining.
func builderSetString(field string) lua.LGFunction {
	return func(state *lua.LState) int {
		builder := state.CheckTable(1)
		builder.RawSetString(field, lua.LString(state.CheckString(2)))
		state.Push(builder)

		return 1
	}
}

func builderAppendTable(field string) lua.LGFunction {
	return func(state *lua.LState) int {
		builder := state.CheckTable(1)
		entry := state.CheckTable(2)
		listField(state, builder, field).Append(entry)
		state.Push(builder)

		return 1
	}
}

func builderAppendString(field string) lua.LGFunction {
	return func(state *lua.LState) int {
		builder := state.CheckTable(1)
		entry := state.CheckString(2)
		listField(state, builder, field).Append(lua.LString(entry))
		state.Push(builder)

		return 1
	}
}

func builderInput(state *lua.LState) int {
	builder := state.CheckTable(1)
	name := state.CheckString(2)
	definition := state.CheckTable(3)
	listField(state, builder, "_inputs").RawSetString(name, definition)
	state.Push(builder)

	return 1
}

// builderBuild projects the accumulated fields into a plain definition table.
func builderBuild(state *lua.LState) int {
	builder := state.CheckTable(1)
	definition := state.NewTable()

	for _, field := range []struct{ from, to string }{
		{"_name", "name"},
		{"_description", "description"},
		{"_inputs", "inputs"},
		{"_runner", "runner"},
		{"_plugins", "plugins"},
		{"_stages", "stages"},
	} {
		if value := builder.RawGetString(field.from); value != lua.LNil {
			definition.RawSetString(field.to, value)
		}
	}

	state.Push(definition)

	return 1
}

// listField lazily creates the accumulator table stored under field.
func listField(state *lua.LState, builder *lua.LTable, field string) *lua.LTable {
	if existing, ok := builder.RawGetString(field).(*lua.LTable); ok {
		return existing
	}

	created := state.NewTable()
	builder.RawSetString(field, created)

	return created
}
