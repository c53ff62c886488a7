package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type Init struct {
	Lua InitLua `cmd:"" help:"Generate Lua editor support files for pipeline scripts"`
}

type InitLua struct {
	Output     string `default:"." help:"Directory to generate into" type:"path"`
	ConfigOnly bool   `help:"Only write .luarc.json"                 xor:"scope"`
	StubsOnly  bool   `help:"Only write the API stubs"               xor:"scope"`
}

func (c *InitLua) Run(logger *slog.Logger) error {
	logger = logger.WithGroup("init.lua")

	if err := os.MkdirAll(c.Output, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	if !c.StubsOnly {
		path := filepath.Join(c.Output, ".luarc.json")
		if err := os.WriteFile(path, []byte(luarcJSON), 0o644); err != nil {
			return fmt.Errorf("could not write .luarc.json: %w", err)
		}

		logger.Debug("init.write", "file", path)
		fmt.Println("  Created .luarc.json")
	}

	if !c.ConfigOnly {
		stubsDir := filepath.Join(c.Output, ".rivet", "stubs")
		if err := os.MkdirAll(stubsDir, 0o755); err != nil {
			return fmt.Errorf("could not create stubs directory: %w", err)
		}

		for _, stub := range apiStubs {
			path := filepath.Join(stubsDir, stub.name+".lua")
			if err := os.WriteFile(path, []byte(stub.source), 0o644); err != nil {
				return fmt.Errorf("could not write %s stub: %w", stub.name, err)
			}

			logger.Debug("init.write", "file", path)
			fmt.Printf("  Created .rivet/stubs/%s.lua\n", stub.name)
		}
	}

	fmt.Println()
	fmt.Println("Lua development files generated!")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Install the Lua language server (sumneko.lua) in your editor")
	fmt.Println("  2. Open a pipeline script; the rivet globals now resolve")
	fmt.Println("  3. Re-run this command after upgrading rivet to refresh the stubs")

	return nil
}

const luarcJSON = `{
  "$schema": "https://raw.githubusercontent.com/sumneko/vscode-lua/master/setting/schema.json",
  "runtime.version": "Lua 5.1",
  "diagnostics.globals": ["log", "input", "process", "container", "pipeline"],
  "workspace.library": [".rivet/stubs"],
  "workspace.checkThirdParty": false,
  "completion.callSnippet": "Both"
}
`

// apiStubs are LuaLS definition files for the globals available inside a
// pipeline script. They mirror the runner's module registration and the
// sandbox's pipeline helpers.
var apiStubs = []struct {
	name   string
	source string
}{
	{name: "log", source: logStub},
	{name: "input", source: inputStub},
	{name: "process", source: processStub},
	{name: "container", source: containerStub},
	{name: "pipeline", source: pipelineStub},
}

const logStub = `---@meta

---Job-scoped structured logging. Entries are buffered on the runner and
---shipped to the orchestrator in batches.
log = {}

---Record a debug-level message.
---@param message string
function log.debug(message) end

---Record an info-level message.
---@param message string
function log.info(message) end

---Record a warning-level message.
---@param message string
function log.warning(message) end

---Record an error-level message.
---@param message string
function log.error(message) end
`

const inputStub = `---@meta

---Read-only access to the launch parameters, frozen at launch time after
---validation and default application. All values are strings.
input = {}

---Look up a parameter, returning fallback when it is not set.
---@param name string
---@param fallback? string
---@return string?
function input.get(name, fallback) end

---Look up a parameter, raising an error when it is not set.
---@param name string
---@return string
function input.require(name) end

---Report whether a parameter is set.
---@param name string
---@return boolean
function input.has(name) end

---Every parameter as a name/value table.
---@return table<string, string>
function input.all() end

---The parameter names, sorted.
---@return string[]
function input.keys() end
`

const processStub = `---@meta

---Command execution inside the innermost container scope.
process = {}

---@class ProcessRunOptions
---@field cmd string Command to execute.
---@field args? string[] Arguments passed to the command.
---@field cwd? string Working directory, relative to /workspace unless absolute.
---@field capture_stdout? boolean Return stdout instead of logging it.
---@field capture_stderr? boolean Return stderr instead of logging it.
---@field stdout_level? string Log level for stdout lines (default "info").
---@field stderr_level? string Log level for stderr lines (default "error").

---@class ProcessRunResult
---@field exit_code integer
---@field stdout? string Present when capture_stdout was set.
---@field stderr? string Present when capture_stderr was set.

---Run a command and wait for it. A non-zero exit code is data, not an
---error; inspect exit_code on the result.
---@param options ProcessRunOptions
---@return ProcessRunResult
function process.run(options) end
`

const containerStub = `---@meta

---Nested container scopes. A stage runs in its stage container;
---container.run pushes another one for the duration of a callback.
container = {}

---Start a container for image, run fn with it as the innermost scope, then
---stop and remove it. The container is cleaned up even when fn raises.
---@param image string
---@param fn fun()
function container.run(image, fn) end
`

const pipelineStub = `---@meta

---Helpers for declaring a pipeline. A pipeline script returns a definition
---table; these helpers make the declaration read fluently but add nothing
---a literal table cannot express.
pipeline = {}

---@class PipelineInput
---@field type string One of "string", "number", or "bool".
---@field description? string
---@field required? boolean Defaults to true.
---@field default? string|number|boolean
---@field options? (string|number|boolean)[]

---@class PipelineStage
---@field name string
---@field container? string Image override for this stage.
---@field condition? fun(): boolean Stage runs only when this returns true.
---@field script fun()

---@class PipelineTag
---@field key string
---@field value string

---@class PipelineDefinition
---@field name string
---@field description? string
---@field container? string Default image for every stage.
---@field requires? string[] Modules the runner must provide.
---@field inputs? table<string, PipelineInput>
---@field runner? PipelineTag[] Capability labels a runner must carry.
---@field plugins? string[]
---@field stages PipelineStage[]

---Identity helper marking a table as the pipeline definition.
---@param definition PipelineDefinition
---@return PipelineDefinition
function pipeline.define(definition) end

---Identity helper marking a table as an input declaration.
---@param input PipelineInput
---@return PipelineInput
function pipeline.input(input) end

---Identity helper marking a table as a stage declaration.
---@param stage PipelineStage
---@return PipelineStage
function pipeline.stage(stage) end

---Build a {key, value} runner tag.
---@param key string
---@param value string
---@return PipelineTag
function pipeline.tag(key, value) end

---@class PipelineBuilder
local builder = {}

---@param name string
---@return PipelineBuilder
function builder:name(name) end

---@param description string
---@return PipelineBuilder
function builder:description(description) end

---@param name string
---@param input PipelineInput
---@return PipelineBuilder
function builder:input(name, input) end

---@param tag PipelineTag
---@return PipelineBuilder
function builder:tag(tag) end

---@param name string
---@return PipelineBuilder
function builder:plugin(name) end

---@param stage PipelineStage
---@return PipelineBuilder
function builder:stage(stage) end

---@return PipelineDefinition
function builder:build() end

---Fluent alternative to a literal definition table.
---@return PipelineBuilder
function pipeline.builder() end
`
