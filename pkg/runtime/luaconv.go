package runtime

import (
	lua "github.com/yuin/gopher-lua"
)

// maxConvDepth bounds conversion recursion so cyclic tables cannot hang
// the worker loop.
const maxConvDepth = 16

// toLua converts a decoded JSON value into a Lua value on the given
// state. Unsupported types become nil.
func toLua(L *lua.LState, v any) lua.LValue {
	return toLuaDepth(L, v, 0)
}

func toLuaDepth(L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxConvDepth {
		return lua.LNil
	}
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLuaDepth(L, item, depth+1))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLuaDepth(L, item, depth+1))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value back into JSON-friendly Go data. Tables
// with only sequential integer keys become slices, everything else a
// string-keyed map. Functions and userdata convert to nil.
func fromLua(v lua.LValue) any {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) any {
	if depth > maxConvDepth {
		return nil
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		n := val.MaxN()
		entries := 0
		val.ForEach(func(lua.LValue, lua.LValue) { entries++ })
		if n > 0 && n == entries {
			// Pure array part.
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLuaDepth(val.RawGetInt(i), depth+1))
			}
			return arr
		}
		m := make(map[string]any, entries)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = fromLuaDepth(item, depth+1)
		})
		return m
	default:
		return nil
	}
}

// estimateSize approximates the heap footprint of a Lua value. It is a
// proxy, not an accounting: the resource monitor compares it against the
// tenant memory limit, so the estimate errs on the generous side for
// container overhead.
func estimateSize(v lua.LValue, depth int) int64 {
	if depth > maxConvDepth {
		return 0
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return 0
	case lua.LBool, lua.LNumber:
		return 16
	case lua.LString:
		return int64(len(val)) + 16
	case *lua.LTable:
		size := int64(64)
		val.ForEach(func(k, item lua.LValue) {
			size += estimateSize(k, depth+1) + estimateSize(item, depth+1)
		})
		return size
	case *lua.LFunction:
		return 128
	default:
		return 32
	}
}
