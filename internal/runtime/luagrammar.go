package runtime

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ResolveLuaGrammar evaluates src as a Lua script and returns the grammar
// DSL string it produces, for feeding into ParseGrammar. This mirrors the
// original PyO3 binding's lua_grammar option (a convenience that generates
// a grammar dynamically instead of the caller constructing one literally),
// which the kernel's FFI boundary never sees directly — only the resolved
// grammar string crosses into sampling. An empty src returns "", nil.
//
// The script must leave a global string named "grammar" set to the
// generated grammar source.
func ResolveLuaGrammar(src string) (string, error) {
	if src == "" {
		return "", nil
	}

	l := lua.NewState()
	defer l.Close()

	if err := l.DoString(src); err != nil {
		return "", fmt.Errorf("lua_grammar: %w", err)
	}

	v := l.GetGlobal("grammar")
	s, ok := v.(lua.LString)
	if !ok {
		return "", fmt.Errorf("lua_grammar: script did not set a string global %q", "grammar")
	}
	return string(s), nil
}
