package sandbox_test

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/rivet-ci/rivet/sandbox"
)

func TestValidateParameters(t *testing.T) {
	t.Parallel()

	inputs := []sandbox.Input{
		{Name: "branch", Type: "string", Required: false, Default: "main"},
		{Name: "repo_url", Type: "string", Required: true},
		{Name: "workers", Type: "number", Required: false},
		{Name: "verbose", Type: "bool", Required: false, Default: false},
	}

	t.Run("applies_defaults", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{
			"repo_url": "https://example.com/repo.git",
		})
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(Equal(map[string]any{
			"repo_url": "https://example.com/repo.git",
			"branch":   "main",
			"verbose":  false,
		}))
	})

	t.Run("missing_required", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		_, err := sandbox.ValidateParameters(inputs, map[string]any{})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Missing required input 'repo_url' (type: string)"))

		var validationErr *sandbox.ValidationError
		assert.Expect(errors.As(err, &validationErr)).To(BeTrue())
		assert.Expect(validationErr.Kind).To(Equal(sandbox.MissingRequiredInput))
	})

	t.Run("type_mismatch", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		_, err := sandbox.ValidateParameters(inputs, map[string]any{
			"repo_url": "https://example.com/repo.git",
			"workers":  "four",
		})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Input 'workers' expected type 'number', but got: four"))

		var validationErr *sandbox.ValidationError
		assert.Expect(errors.As(err, &validationErr)).To(BeTrue())
		assert.Expect(validationErr.Kind).To(Equal(sandbox.BadInputType))
	})

	t.Run("unknown_declared_type", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		schema := []sandbox.Input{{Name: "mode", Type: "enum", Required: true}}

		_, err := sandbox.ValidateParameters(schema, map[string]any{"mode": "fast"})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Unknown input type: enum"))
	})

	t.Run("undeclared_keys_pass_through", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{
			"repo_url": "https://example.com/repo.git",
			"extra":    "kept",
		})
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(HaveKeyWithValue("extra", "kept"))
	})

	t.Run("never_mutates_input", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		parameters := map[string]any{"repo_url": "https://example.com/repo.git"}

		validated, err := sandbox.ValidateParameters(inputs, parameters)
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(HaveKey("branch"))
		assert.Expect(parameters).To(Equal(map[string]any{
			"repo_url": "https://example.com/repo.git",
		}))
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{
			"repo_url": "https://example.com/repo.git",
			"workers":  float64(4),
		})
		assert.Expect(err).ToNot(HaveOccurred())

		again, err := sandbox.ValidateParameters(inputs, validated)
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(again).To(Equal(validated))
	})
}

func TestValidateParameterOptions(t *testing.T) {
	t.Parallel()

	t.Run("accepts_member", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "env", Type: "string", Required: true, Options: []any{"staging", "production"}},
		}

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{"env": "staging"})
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(HaveKeyWithValue("env", "staging"))
	})

	t.Run("rejects_non_member", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "env", Type: "string", Required: true, Options: []any{"staging", "production"}},
		}

		_, err := sandbox.ValidateParameters(inputs, map[string]any{"env": "qa"})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Invalid value for input 'env'. Must be one of: staging, production"))

		var validationErr *sandbox.ValidationError
		assert.Expect(errors.As(err, &validationErr)).To(BeTrue())
		assert.Expect(validationErr.Kind).To(Equal(sandbox.NotInOptions))
	})

	t.Run("numeric_options_compare_by_value", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "workers", Type: "number", Required: true, Options: []any{float64(1), float64(2), float64(4)}},
		}

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{"workers": float64(2)})
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(HaveKeyWithValue("workers", float64(2)))

		_, err = sandbox.ValidateParameters(inputs, map[string]any{"workers": float64(3)})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Invalid value for input 'workers'. Must be one of: 1, 2, 4"))
	})

	t.Run("empty_options_reject_everything", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "env", Type: "string", Required: true, Options: []any{}},
		}

		_, err := sandbox.ValidateParameters(inputs, map[string]any{"env": "staging"})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(ContainSubstring("Invalid value for input 'env'"))
	})

	t.Run("type_checked_before_options", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "env", Type: "string", Required: true, Options: []any{"staging", "production"}},
		}

		_, err := sandbox.ValidateParameters(inputs, map[string]any{"env": float64(1)})
		assert.Expect(err).To(HaveOccurred())
		assert.Expect(err.Error()).To(Equal("Input 'env' expected type 'string', but got: 1"))
	})

	t.Run("default_not_validated_against_options", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		inputs := []sandbox.Input{
			{Name: "env", Type: "string", Required: false, Default: "qa", Options: []any{"staging", "production"}},
		}

		validated, err := sandbox.ValidateParameters(inputs, map[string]any{})
		assert.Expect(err).ToNot(HaveOccurred())
		assert.Expect(validated).To(HaveKeyWithValue("env", "qa"))
	})
}
