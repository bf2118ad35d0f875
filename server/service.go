package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

type methodType struct {
	name      string // Wire name, e.g. "create_surface"
	rcvr      reflect.Value
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// scanMethods collects the exported methods of rcvr shaped like
//
//	func (r *T) Name(ctx context.Context, args *Args, reply *Reply) error
//
// keyed by their wire name.
func scanMethods(rcvr any) (map[string]*methodType, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must be a pointer to a struct, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)

	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType || mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr {
			continue
		}
		name := wireName(method.Name)
		methods[name] = &methodType{
			name:      name,
			rcvr:      val,
			method:    method,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form (context.Context, *Args, *Reply) error", typ)
	}
	return methods, nil
}

// Call invokes the method via reflection.
func (m *methodType) Call(ctx context.Context, argv, replyv reflect.Value) error {
	args := [4]reflect.Value{m.rcvr, reflect.ValueOf(ctx), argv, replyv}
	results := m.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// wireName turns a Go method name into its snake_case wire name; runs of
// capitals are one word: DRMAuthMagic -> drm_auth_magic.
func wireName(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
