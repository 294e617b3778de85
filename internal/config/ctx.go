package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/qik-run/qik/internal/qikerr"
)

// CtxHandle resolves {ctx.NAMESPACE.NAME} placeholders. It is an
// explicit value threaded through the expander rather than a
// process-wide singleton, per spec §9's "no process-wide mutable
// singleton" design note.
type CtxHandle struct {
	// Profile is the active profile name (CLI -p flag).
	Profile string
	// ctx holds [ctx.PROFILE.NAMESPACE] key = value entries from the
	// config file.
	ctx map[string]map[string]map[string]interface{}
	// vars holds global variable specs (defaults/required/type).
	vars map[string]VarSpec
	// lookupEnv is injectable for tests; defaults to os.LookupEnv.
	lookupEnv func(string) (string, bool)
}

// NewCtxHandle builds a CtxHandle from a parsed config File and the
// active profile.
func NewCtxHandle(f *File, profile string) *CtxHandle {
	vars := make(map[string]VarSpec, len(f.Vars))
	for _, v := range f.Vars {
		vars[v.Name] = v
	}
	return &CtxHandle{
		Profile:   profile,
		ctx:       f.Ctx,
		vars:      vars,
		lookupEnv: os.LookupEnv,
	}
}

// Resolve looks up namespace.name per spec §4.4's resolution order:
// (1) environment variable NAMESPACE__NAME, (2) the active profile's
// configured value, (3) the variable's default, (4) fail if required.
// Typed variables are validated and, for bool, normalized to "true"/
// "false" against the accepted string set.
func (c *CtxHandle) Resolve(namespace, name string) (string, error) {
	envKey := strings.ToUpper(namespace) + "__" + strings.ToUpper(name)
	if v, ok := c.lookupEnv(envKey); ok {
		return c.cast(namespace, name, v)
	}

	if profileCtx, ok := c.ctx[c.Profile]; ok {
		if nsCtx, ok := profileCtx[namespace]; ok {
			if v, ok := nsCtx[name]; ok {
				return c.cast(namespace, name, fmt.Sprintf("%v", v))
			}
		}
	}

	spec, hasSpec := c.vars[name]
	if hasSpec && spec.Default != "" {
		return c.cast(namespace, name, spec.Default)
	}
	if hasSpec && spec.Required {
		return "", qikerr.New(qikerr.KindCtxMissing, namespace+"."+name)
	}
	if !hasSpec {
		return "", qikerr.New(qikerr.KindCtxNamespace, namespace+"."+name)
	}
	return "", nil
}

// acceptedBooleans is the case-insensitive set of strings that parse as
// a typed bool context variable, per spec §4.4.
var acceptedBooleans = map[string]bool{
	"yes": true, "true": true, "1": true,
	"no": false, "false": false, "0": false,
}

func (c *CtxHandle) cast(namespace, name, raw string) (string, error) {
	spec, ok := c.vars[name]
	if !ok {
		return raw, nil
	}
	switch spec.Type {
	case "int":
		if _, err := strconv.Atoi(raw); err != nil {
			return "", qikerr.Wrap(qikerr.KindCtxTypeCast, namespace+"."+name, err)
		}
		return raw, nil
	case "bool":
		b, ok := acceptedBooleans[strings.ToLower(raw)]
		if !ok {
			return "", qikerr.New(qikerr.KindCtxTypeCast, namespace+"."+name)
		}
		if b {
			return "true", nil
		}
		return "false", nil
	default: // "str" or unset
		return raw, nil
	}
}
