package runtime

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/cuemby/hutch/pkg/types"
)

// Program is a compiled service body, ready to instantiate into any
// number of worker VMs. Compilation happens once per deploy; the proto
// is immutable and safe to share.
type Program struct {
	Proto  *lua.FunctionProto
	Source string
	Module string
}

// Compile parses and compiles service source under a sanitised chunk
// name derived from the identity. Parse and compile failures surface as
// CompileError with the offending module name.
func Compile(tenant, service, source string) (*Program, error) {
	module := moduleName(tenant, service)

	chunk, err := parse.Parse(strings.NewReader(source), module)
	if err != nil {
		return nil, &types.CompileError{Module: module, Message: err.Error()}
	}
	proto, err := lua.Compile(chunk, module)
	if err != nil {
		return nil, &types.CompileError{Module: module, Message: err.Error()}
	}

	return &Program{Proto: proto, Source: source, Module: module}, nil
}

// moduleName builds the chunk name "_<tenant>_<service>". The leading
// underscore keeps generated names out of the way of user identifiers,
// and sanitisation guarantees the result is a valid identifier whatever
// the tenant and service names contain.
func moduleName(tenant, service string) string {
	return "_" + sanitize(tenant) + "_" + sanitize(service)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
