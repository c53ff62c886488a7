package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rivet-ci/rivet/storage"
	lua "github.com/yuin/gopher-lua"
)

// coreModules names the global namespaces registered into every execution
// sandbox. They double as the runner's baseline capabilities.
var coreModules = []string{"log", "input", "process", "container"}

// RegisterModules injects the primitives stage scripts call: log appends to
// the job's buffer, input reads the frozen parameters, process and container
// drive the job's container manager. ctx bounds every container invocation.
func RegisterModules(ctx context.Context, state *lua.LState, parameters storage.Parameters, logs *LogBuffer, containers *Containers) {
	registerLogModule(state, logs)
	registerInputModule(state, parameters)
	registerProcessModule(ctx, state, containers, logs)
	registerContainerModule(ctx, state, containers, logs)
}

func registerLogModule(state *lua.LState, logs *LogBuffer) {
	levels := map[string]storage.LogLevel{
		"debug":   storage.LogDebug,
		"info":    storage.LogInfo,
		"warning": storage.LogWarning,
		"error":   storage.LogError,
	}

	module := state.NewTable()

	for name, level := range levels {
		module.RawSetString(name, state.NewFunction(func(state *lua.LState) int {
			logs.Append(level, state.CheckString(1))

			return 0
		}))
	}

	state.SetGlobal("log", module)
}

// registerInputModule exposes the frozen parameter mapping. Values are
// stringified once at registration: scalars the way Lua would print them,
// anything structured as JSON.
func registerInputModule(state *lua.LState, parameters storage.Parameters) {
	values := stringifyParameters(parameters)

	module := state.NewTable()
	state.SetFuncs(module, map[string]lua.LGFunction{
		"get": func(state *lua.LState) int {
			if value, ok := values[state.CheckString(1)]; ok {
				state.Push(lua.LString(value))
			} else {
				state.Push(state.Get(2))
			}

			return 1
		},
		"require": func(state *lua.LState) int {
			name := state.CheckString(1)

			value, ok := values[name]
			if !ok {
				state.RaiseError("Required input parameter '%s' is not set", name)
			}

			state.Push(lua.LString(value))

			return 1
		},
		"has": func(state *lua.LState) int {
			_, ok := values[state.CheckString(1)]
			state.Push(lua.LBool(ok))

			return 1
		},
		"all": func(state *lua.LState) int {
			all := state.NewTable()
			for name, value := range values {
				all.RawSetString(name, lua.LString(value))
			}

			state.Push(all)

			return 1
		},
		"keys": func(state *lua.LState) int {
			names := make([]string, 0, len(values))
			for name := range values {
				names = append(names, name)
			}

			slices.Sort(names)

			keys := state.NewTable()
			for _, name := range names {
				keys.Append(lua.LString(name))
			}

			state.Push(keys)

			return 1
		},
	})
	state.SetGlobal("input", module)
}

func registerProcessModule(ctx context.Context, state *lua.LState, containers *Containers, logs *LogBuffer) {
	module := state.NewTable()
	module.RawSetString("run", state.NewFunction(func(state *lua.LState) int {
		options := state.CheckTable(1)

		cmd, ok := luaString(state.GetField(options, "cmd"))
		if !ok {
			state.RaiseError("process.run requires 'cmd' field")
		}

		var args []string

		if list, ok := state.GetField(options, "args").(*lua.LTable); ok {
			for i := 1; i <= list.Len(); i++ {
				if arg, ok := luaString(list.RawGetInt(i)); ok {
					args = append(args, arg)
				}
			}
		}

		captureStdout := lua.LVAsBool(state.GetField(options, "capture_stdout"))
		captureStderr := lua.LVAsBool(state.GetField(options, "capture_stderr"))

		stdoutLevel, ok := luaString(state.GetField(options, "stdout_level"))
		if !ok {
			stdoutLevel = "info"
		}

		stderrLevel, ok := luaString(state.GetField(options, "stderr_level"))
		if !ok {
			stderrLevel = "error"
		}

		cwd, _ := luaString(state.GetField(options, "cwd"))

		stdout, stderr, exitCode, err := containers.Exec(ctx, cmd, args, cwd)
		if err != nil {
			state.RaiseError("Failed to execute command: %v", err)
		}

		if !captureStdout {
			logOutput(logs, stdout, stdoutLevel)
		}

		if !captureStderr {
			logOutput(logs, stderr, stderrLevel)
		}

		result := state.NewTable()
		result.RawSetString("exit_code", lua.LNumber(exitCode))

		if captureStdout {
			result.RawSetString("stdout", lua.LString(stdout))
		}

		if captureStderr {
			result.RawSetString("stderr", lua.LString(stderr))
		}

		state.Push(result)

		return 1
	}))
	state.SetGlobal("process", module)
}

// registerContainerModule provides container.run(image, fn): a container
// scope that is always popped, even when fn raises.
func registerContainerModule(ctx context.Context, state *lua.LState, containers *Containers, logs *LogBuffer) {
	module := state.NewTable()
	module.RawSetString("run", state.NewFunction(func(state *lua.LState) int {
		image := state.CheckString(1)
		fn := state.CheckFunction(2)

		name, err := containers.Push(ctx, image)
		if err != nil {
			logs.Append(storage.LogError, err.Error())
			state.RaiseError("Failed to start container: %v", err)
		}

		logs.Append(storage.LogDebug, fmt.Sprintf("Container %s pushed to stack for image %s", name, image))

		callErr := state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})

		containers.Pop()
		logs.Append(storage.LogDebug, fmt.Sprintf("Container %s popped from stack for image %s", name, image))

		if callErr != nil {
			state.RaiseError("%v", callErr)
		}

		return 0
	}))
	state.SetGlobal("container", module)
}

// logOutput forwards one process stream to the job log at the named level.
// Unknown levels fall back to info.
func logOutput(logs *LogBuffer, output, level string) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return
	}

	switch strings.ToLower(level) {
	case "debug":
		logs.Append(storage.LogDebug, trimmed)
	case "warning", "warn":
		logs.Append(storage.LogWarning, trimmed)
	case "error":
		logs.Append(storage.LogError, trimmed)
	default:
		logs.Append(storage.LogInfo, trimmed)
	}
}

func stringifyParameters(parameters storage.Parameters) map[string]string {
	values := make(map[string]string, len(parameters))

	for name, value := range parameters {
		switch v := value.(type) {
		case string:
			values[name] = v
		case float64:
			values[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			values[name] = strconv.FormatBool(v)
		case nil:
			values[name] = ""
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				values[name] = ""

				continue
			}

			values[name] = string(encoded)
		}
	}

	return values
}

// luaString follows Lua's coercion rules: strings pass through, numbers
// format, everything else is rejected.
func luaString(value lua.LValue) (string, bool) {
	switch value.(type) {
	case lua.LString, lua.LNumber:
		return lua.LVAsString(value), true
	default:
		return "", false
	}
}
