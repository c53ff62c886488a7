package sandbox

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samber/lo"
	lua "github.com/yuin/gopher-lua"
)

// ParseErrorKind classifies why a pipeline script was rejected.
type ParseErrorKind string

const (
	ScriptSyntax ParseErrorKind = "ScriptSyntax"
	MissingField ParseErrorKind = "MissingField"
	BadFieldType ParseErrorKind = "BadFieldType"
	EmptyStages  ParseErrorKind = "EmptyStages"
)

// ParseError reports a rejected pipeline script.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func parseError(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Tag narrows which runners a pipeline may be leased to.
type Tag struct {
	Key   string
	Value string
}

// Input is one declared pipeline parameter. A nil Options slice means the
// input is unconstrained; an empty one rejects every value.
type Input struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     any
	Options     []any
}

// Stage couples a name with the callables that run it. Script and Condition
// are bound to the state that parsed them.
type Stage struct {
	Name      string
	Container string
	Condition *lua.LFunction
	Script    *lua.LFunction
}

// Definition is the executable form of a pipeline script. It is only valid
// for as long as the state that parsed it stays open.
type Definition struct {
	Name        string
	Description string
	Container   string
	Requires    []string
	Inputs      []Input
	Runner      []Tag
	Plugins     []string
	Stages      []Stage
}

// StageMetadata mirrors a stage without retaining its callables. Condition
// records only whether one was declared.
type StageMetadata struct {
	Name      string
	Container string
	Condition bool
}

// Metadata is the structural view of a pipeline used for validation and
// display. No user code can be invoked through it.
type Metadata struct {
	Name        string
	Description string
	Container   string
	Requires    []string
	Inputs      []Input
	Runner      []Tag
	Stages      []StageMetadata
}

// ParseMetadata evaluates source in a fresh sandbox and returns only the
// declared structure. Stage scripts are checked for presence but never
// invoked, and no callables survive the call.
func ParseMetadata(source string) (*Metadata, error) {
	state, err := New()
	if err != nil {
		return nil, err
	}
	defer state.Close()

	definition, err := ParseDefinition(state, source)
	if err != nil {
		return nil, err
	}

	return definition.Metadata(), nil
}

// ParseDefinition evaluates source in state and retains each stage's script
// and condition for later invocation.
func ParseDefinition(state *lua.LState, source string) (*Definition, error) {
	table, err := evalScript(state, source)
	if err != nil {
		return nil, err
	}

	name, err := requiredString(state, table, "name", "Pipeline must have a 'name' field")
	if err != nil {
		return nil, err
	}

	definition := &Definition{
		Name:        name,
		Description: optionalString(state, table, "description"),
		Container:   optionalString(state, table, "container"),
	}

	definition.Requires, err = parseStringList(state, table, "requires", "Field 'requires' must be an array of strings")
	if err != nil {
		return nil, err
	}

	definition.Inputs, err = parseInputs(state, table)
	if err != nil {
		return nil, err
	}

	definition.Runner, err = parseRunnerTags(state, table)
	if err != nil {
		return nil, err
	}

	definition.Plugins, err = parseStringList(state, table, "plugins", "Field 'plugins' must be an array of strings")
	if err != nil {
		return nil, err
	}

	definition.Stages, err = parseStages(state, table)
	if err != nil {
		return nil, err
	}

	return definition, nil
}

// Metadata projects the definition down to its structural fields.
func (d *Definition) Metadata() *Metadata {
	stages := lo.Map(d.Stages, func(stage Stage, _ int) StageMetadata {
		return StageMetadata{
			Name:      stage.Name,
			Container: stage.Container,
			Condition: stage.Condition != nil,
		}
	})

	return &Metadata{
		Name:        d.Name,
		Description: d.Description,
		Container:   d.Container,
		Requires:    d.Requires,
		Inputs:      d.Inputs,
		Runner:      d.Runner,
		Stages:      stages,
	}
}

func evalScript(state *lua.LState, source string) (*lua.LTable, error) {
	top := state.GetTop()

	if err := state.DoString(source); err != nil {
		return nil, parseError(ScriptSyntax, "Failed to evaluate pipeline definition: %v", err)
	}

	returned := state.Get(top + 1)
	state.SetTop(top)

	table, ok := returned.(*lua.LTable)
	if !ok {
		return nil, parseError(BadFieldType, "Pipeline definition must return a table")
	}

	return table, nil
}

func parseInputs(state *lua.LState, table *lua.LTable) ([]Input, error) {
	value := state.GetField(table, "inputs")
	if value == lua.LNil {
		return nil, nil
	}

	declared, ok := value.(*lua.LTable)
	if !ok {
		return nil, parseError(BadFieldType, "Field 'inputs' must be a table of input definitions")
	}

	var (
		inputs  []Input
		failure error
	)

	declared.ForEach(func(key, entry lua.LValue) {
		if failure != nil {
			return
		}

		name, ok := asString(key)
		if !ok {
			failure = parseError(BadFieldType, "Field 'inputs' must be a table of input definitions")

			return
		}

		input, err := parseInput(state, name, entry)
		if err != nil {
			failure = err

			return
		}

		inputs = append(inputs, input)
	})

	if failure != nil {
		return nil, failure
	}

	// Lua table iteration order is unspecified, so order by name to keep
	// validation and display deterministic.
	slices.SortFunc(inputs, func(a, b Input) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return inputs, nil
}

func parseInput(state *lua.LState, name string, entry lua.LValue) (Input, error) {
	table, ok := entry.(*lua.LTable)
	if !ok {
		return Input{}, parseError(BadFieldType, "Failed to read input entry: '%s' is not a table", name)
	}

	input := Input{Name: name, Required: true}

	declaredType := state.GetField(table, "type")
	if declaredType == lua.LNil {
		return Input{}, parseError(MissingField, "Input '%s' must have a 'type' field", name)
	}

	input.Type, ok = asString(declaredType)
	if !ok {
		return Input{}, parseError(BadFieldType, "Input '%s' must have a 'type' field", name)
	}

	input.Description = optionalString(state, table, "description")

	switch flag := state.GetField(table, "required").(type) {
	case lua.LBool:
		input.Required = bool(flag)
	default:
		// Older scripts declared the inverse 'optional' flag instead.
		if optional, ok := state.GetField(table, "optional").(lua.LBool); ok {
			input.Required = !bool(optional)
		}
	}

	if value := state.GetField(table, "default"); value != lua.LNil {
		input.Default, ok = scalarValue(value)
		if !ok {
			return Input{}, parseError(BadFieldType, "Input '%s' has invalid default value type", name)
		}
	}

	if value := state.GetField(table, "options"); value != lua.LNil {
		options, ok := value.(*lua.LTable)
		if !ok {
			return Input{}, parseError(BadFieldType, "Input '%s' options must be an array", name)
		}

		input.Options = make([]any, 0, options.Len())

		for i := 1; i <= options.Len(); i++ {
			option, ok := scalarValue(options.RawGetInt(i))
			if !ok {
				return Input{}, parseError(BadFieldType, "Input '%s' has invalid option value type", name)
			}

			input.Options = append(input.Options, option)
		}
	}

	return input, nil
}

func parseRunnerTags(state *lua.LState, table *lua.LTable) ([]Tag, error) {
	value := state.GetField(table, "runner")
	if value == lua.LNil {
		return nil, nil
	}

	list, ok := value.(*lua.LTable)
	if !ok {
		return nil, parseError(BadFieldType, "Field 'runner' must be an array of tag tables")
	}

	var tags []Tag

	for i := 1; i <= list.Len(); i++ {
		entry, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, parseError(BadFieldType, "Field 'runner' must be an array of tag tables")
		}

		key, err := requiredString(state, entry, "key", "Runner tag must have a 'key' field")
		if err != nil {
			return nil, err
		}

		tagValue, err := requiredString(state, entry, "value", "Runner tag must have a 'value' field")
		if err != nil {
			return nil, err
		}

		tags = append(tags, Tag{Key: key, Value: tagValue})
	}

	return tags, nil
}

func parseStages(state *lua.LState, table *lua.LTable) ([]Stage, error) {
	value := state.GetField(table, "stages")
	if value == lua.LNil {
		return nil, parseError(MissingField, "Pipeline must have a 'stages' field")
	}

	list, ok := value.(*lua.LTable)
	if !ok {
		return nil, parseError(BadFieldType, "Pipeline must have a 'stages' field")
	}

	var stages []Stage

	for i := 1; i <= list.Len(); i++ {
		entry, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, parseError(BadFieldType, "Failed to read stage entry")
		}

		name, err := requiredString(state, entry, "name", "Stage must have a 'name' field")
		if err != nil {
			return nil, err
		}

		stage := Stage{
			Name:      name,
			Container: optionalString(state, entry, "container"),
		}

		if condition, ok := state.GetField(entry, "condition").(*lua.LFunction); ok {
			stage.Condition = condition
		}

		script := state.GetField(entry, "script")

		stage.Script, ok = script.(*lua.LFunction)
		if !ok {
			kind := BadFieldType
			if script == lua.LNil {
				kind = MissingField
			}

			return nil, parseError(kind, "Stage '%s' must have a 'script' function", name)
		}

		stages = append(stages, stage)
	}

	if len(stages) == 0 {
		return nil, parseError(EmptyStages, "Pipeline must have at least one stage")
	}

	return stages, nil
}

func parseStringList(state *lua.LState, table *lua.LTable, key, message string) ([]string, error) {
	value := state.GetField(table, key)
	if value == lua.LNil {
		return nil, nil
	}

	list, ok := value.(*lua.LTable)
	if !ok {
		return nil, parseError(BadFieldType, "%s", message)
	}

	var entries []string

	for i := 1; i <= list.Len(); i++ {
		entry, ok := asString(list.RawGetInt(i))
		if !ok {
			return nil, parseError(BadFieldType, "%s", message)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func requiredString(state *lua.LState, table *lua.LTable, key, message string) (string, error) {
	value := state.GetField(table, key)
	if value == lua.LNil {
		return "", parseError(MissingField, "%s", message)
	}

	text, ok := asString(value)
	if !ok {
		return "", parseError(BadFieldType, "%s", message)
	}

	return text, nil
}

func optionalString(state *lua.LState, table *lua.LTable, key string) string {
	text, _ := asString(state.GetField(table, key))

	return text
}

// asString follows Lua's coercion rules: strings pass through, numbers
// format, everything else is rejected.
func asString(value lua.LValue) (string, bool) {
	switch value.(type) {
	case lua.LString, lua.LNumber:
		return lua.LVAsString(value), true
	default:
		return "", false
	}
}

// scalarValue converts a Lua scalar into its JSON-compatible Go value.
func scalarValue(value lua.LValue) (any, bool) {
	switch v := value.(type) {
	case lua.LString:
		return string(v), true
	case lua.LNumber:
		return float64(v), true
	case lua.LBool:
		return bool(v), true
	default:
		return nil, false
	}
}
