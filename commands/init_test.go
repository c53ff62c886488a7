package commands_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/rivet-ci/rivet/commands"
)

func TestInitLua(t *testing.T) {
	t.Parallel()

	stubs := []string{"log", "input", "process", "container", "pipeline"}

	t.Run("writes the config and every stub", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		dir := t.TempDir()

		cmd := &commands.InitLua{Output: dir}
		assert.Expect(cmd.Run(slog.Default())).NotTo(HaveOccurred())

		luarc := filepath.Join(dir, ".luarc.json")
		assert.Expect(luarc).To(BeAnExistingFile())

		contents, err := os.ReadFile(luarc)
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(string(contents)).To(ContainSubstring(`"Lua 5.1"`))
		assert.Expect(string(contents)).To(ContainSubstring(".rivet/stubs"))

		for _, stub := range stubs {
			assert.Expect(filepath.Join(dir, ".rivet", "stubs", stub+".lua")).To(BeAnExistingFile())
		}

		logStub, err := os.ReadFile(filepath.Join(dir, ".rivet", "stubs", "log.lua"))
		assert.Expect(err).NotTo(HaveOccurred())
		assert.Expect(string(logStub)).To(ContainSubstring("function log.info"))
	})

	t.Run("config only", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		dir := t.TempDir()

		cmd := &commands.InitLua{Output: dir, ConfigOnly: true}
		assert.Expect(cmd.Run(slog.Default())).NotTo(HaveOccurred())

		assert.Expect(filepath.Join(dir, ".luarc.json")).To(BeAnExistingFile())
		assert.Expect(filepath.Join(dir, ".rivet")).NotTo(BeADirectory())
	})

	t.Run("stubs only", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		dir := t.TempDir()

		cmd := &commands.InitLua{Output: dir, StubsOnly: true}
		assert.Expect(cmd.Run(slog.Default())).NotTo(HaveOccurred())

		assert.Expect(filepath.Join(dir, ".luarc.json")).NotTo(BeAnExistingFile())

		for _, stub := range stubs {
			assert.Expect(filepath.Join(dir, ".rivet", "stubs", stub+".lua")).To(BeAnExistingFile())
		}
	})

	t.Run("creates the output directory", func(t *testing.T) {
		t.Parallel()

		assert := NewGomegaWithT(t)

		dir := filepath.Join(t.TempDir(), "workspace", "nested")

		cmd := &commands.InitLua{Output: dir}
		assert.Expect(cmd.Run(slog.Default())).NotTo(HaveOccurred())
		assert.Expect(filepath.Join(dir, ".luarc.json")).To(BeAnExistingFile())
	})
}
