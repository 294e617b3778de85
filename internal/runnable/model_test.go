package runnable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsParametricDetectsPlaceholdersInExecDepsAndSpace(t *testing.T) {
	assert.False(t, CommandDef{Exec: "echo hi"}.IsParametric())
	assert.True(t, CommandDef{Exec: "build {module.dir}"}.IsParametric())
	assert.True(t, CommandDef{Exec: "echo hi", Deps: []Dependency{{Pattern: "{module.dir}/**"}}}.IsParametric())
	assert.True(t, CommandDef{Exec: "echo hi", Space: "{space}"}.IsParametric())
}

func TestIsolatedOrDefaultDefaultsToTrue(t *testing.T) {
	d := Dependency{Kind: DepCommand}
	assert.True(t, d.IsolatedOrDefault())

	f := false
	d.Isolated = &f
	assert.False(t, d.IsolatedOrDefault())
}
