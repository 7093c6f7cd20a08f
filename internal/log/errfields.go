package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// hasPC is implemented by xerrors values that record their call site.
type hasPC interface{ PC() uintptr }

// hasStack is implemented by xerrors values that captured a full stack.
type hasStack interface{ StackPCs() []uintptr }

type errorFields struct {
	links    bool
	maxLinks int
}

// append adds err, its surface and root types, the message chain and
// optionally the per-link call sites.
func (f errorFields) append(kv []any, err error) []any {
	surface, root := classifyTypes(err)
	kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if f.links {
		kv = append(kv, "error_links", chainLinks(err, f.maxLinks))
	}
	return kv
}

// errorChain lists each distinct message walking Unwrap, then the members of
// an errors.Join at the top.
func errorChain(err error) []string {
	var out []string
	last := ""
	add := func(msg string) {
		if msg != last {
			out = append(out, msg)
			last = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks returns up to max links with the position each was created at.
// The outermost link is always included, others only when they have one.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorSite(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
	}
	return links
}

func errorSite(e error) (fn, file string, line int, ok bool) {
	switch v := e.(type) {
	case hasPC:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr.Function, fr.File, fr.Line, true
		}
	case hasStack:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") &&
				!isLoggerFrame(fr.Function) && !strings.Contains(fr.Function, "/internal/xerrors.") {
				return fr.Function, fr.File, fr.Line, true
			}
			if !more {
				break
			}
		}
	}
	return "", "", 0, false
}

// classifyTypes returns the first type in the chain that is not a wrapper
// (xerrors or fmt.Errorf) and the type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if surface == "" && !isWrapper(e) {
			surface = reflect.TypeOf(e).String()
		}
		root = fmt.Sprintf("%T", e)
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func isWrapper(e error) bool {
	if _, ok := e.(interface{ IsXerrorsWrapper() }); ok {
		return true
	}
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() == "fmt" && (t.Name() == "wrapError" || t.Name() == "wrapErrors")
}
