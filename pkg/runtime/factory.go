package runtime

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Factory turns a service spec into a compiled program. The deployer and
// the hot swap coordinator go through a factory so tests can substitute
// canned programs.
type Factory interface {
	Make(spec *types.ServiceSpec) (*Program, error)
}

// LuaFactory compiles Lua source specs. The only format the kernel
// ships.
type LuaFactory struct{}

func (LuaFactory) Make(spec *types.ServiceSpec) (*Program, error) {
	if spec.Format != types.FormatLua {
		return nil, &types.ValidationError{Field: "format", Reason: "unsupported format " + string(spec.Format)}
	}
	return Compile(spec.Tenant, spec.Service, spec.Source)
}

// StaticFactory returns a fixed program for every spec. Test helper.
type StaticFactory struct {
	Program *Program
	Err     error
}

func (f StaticFactory) Make(*types.ServiceSpec) (*Program, error) {
	return f.Program, f.Err
}
