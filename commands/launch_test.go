package commands

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/rivet-ci/rivet/sandbox"
)

func TestConvertInput(t *testing.T) {
	t.Parallel()

	assert := NewGomegaWithT(t)

	value, err := convertInput(sandbox.Input{Name: "note", Type: "string"}, "hello")
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(value).To(Equal("hello"))

	value, err = convertInput(sandbox.Input{Name: "replicas", Type: "number"}, "4.5")
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(value).To(Equal(4.5))

	_, err = convertInput(sandbox.Input{Name: "replicas", Type: "number"}, "abc")
	assert.Expect(err).To(MatchError("input 'replicas' must be a number, got: abc"))

	for _, raw := range []string{"true", "TRUE", "yes", "1", "y", "Y"} {
		value, err = convertInput(sandbox.Input{Name: "publish", Type: "bool"}, raw)
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(value).To(BeTrue(), raw)
	}

	for _, raw := range []string{"false", "No", "0", "n"} {
		value, err = convertInput(sandbox.Input{Name: "publish", Type: "bool"}, raw)
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(value).To(BeFalse(), raw)
	}

	_, err = convertInput(sandbox.Input{Name: "publish", Type: "bool"}, "maybe")
	assert.Expect(err).To(MatchError("input 'publish' must be a boolean (true/false), got: maybe"))

	_, err = convertInput(sandbox.Input{Name: "when", Type: "date"}, "tomorrow")
	assert.Expect(err).To(MatchError("unknown input type: date"))
}

func TestCollectNonInteractive(t *testing.T) {
	t.Parallel()

	assert := NewGomegaWithT(t)

	inputs := []sandbox.Input{
		{Name: "environment", Type: "string", Required: true},
		{Name: "replicas", Type: "number", Default: float64(2)},
	}

	parameters, err := collectNonInteractive(inputs, map[string]string{
		"environment": "staging",
		"custom":      "kept",
	})
	assert.Expect(err).NotTo(HaveOccurred())
	// replicas is left out; validation fills its default later.
	assert.Expect(parameters).To(Equal(map[string]any{
		"environment": "staging",
		"custom":      "kept",
	}))

	_, err = collectNonInteractive(inputs, map[string]string{})
	assert.Expect(err).To(MatchError(
		"missing required input 'environment' (string): set it with -p environment=<value> or run without --no-interactive"))
}

func TestCollectInteractive(t *testing.T) {
	t.Parallel()

	inputs := []sandbox.Input{
		{
			Name:        "environment",
			Type:        "string",
			Description: "Deployment target",
			Required:    true,
			Options:     []any{"staging", "production"},
		},
		{Name: "replicas", Type: "number", Default: float64(2)},
		{Name: "verbose", Type: "bool"},
	}

	t.Run("prompts for every missing input", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		in := strings.NewReader("production\n\n\n")
		var out bytes.Buffer

		parameters, err := collectInteractive(in, &out, inputs, map[string]string{})
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(parameters).To(Equal(map[string]any{"environment": "production"}))

		assert.Expect(out.String()).To(ContainSubstring("Pipeline Inputs:"))
		assert.Expect(out.String()).To(ContainSubstring("environment*: string"))
		assert.Expect(out.String()).To(ContainSubstring("Deployment target"))
		assert.Expect(out.String()).To(ContainSubstring("Options: staging, production"))
		assert.Expect(out.String()).To(ContainSubstring("Default: 2"))
		assert.Expect(out.String()).To(ContainSubstring("Enter value (or press Enter to skip)"))
	})

	t.Run("skips prompting when everything is provided", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		var out bytes.Buffer

		parameters, err := collectInteractive(strings.NewReader(""), &out, inputs, map[string]string{
			"environment": "staging",
			"replicas":    "4",
			"verbose":     "no",
		})
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(parameters).To(Equal(map[string]any{
			"environment": "staging",
			"replicas":    4.0,
			"verbose":     false,
		}))
		assert.Expect(out.Len()).To(BeZero())
	})

	t.Run("required inputs may not be skipped", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		var out bytes.Buffer

		_, err := collectInteractive(strings.NewReader("\n"), &out, inputs[:1], map[string]string{})
		assert.Expect(err).To(MatchError("input 'environment' is required"))
	})

	t.Run("converts prompted values", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		var out bytes.Buffer

		parameters, err := collectInteractive(
			strings.NewReader("8\n"),
			&out,
			[]sandbox.Input{{Name: "replicas", Type: "number", Required: true}},
			map[string]string{},
		)
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(parameters).To(Equal(map[string]any{"replicas": 8.0}))
	})

	t.Run("rejects a prompted value of the wrong type", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		var out bytes.Buffer

		_, err := collectInteractive(
			strings.NewReader("many\n"),
			&out,
			[]sandbox.Input{{Name: "replicas", Type: "number", Required: true}},
			map[string]string{},
		)
		assert.Expect(err).To(MatchError("input 'replicas' must be a number, got: many"))
	})
}
