// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-openapi/jsonpointer"
	"github.com/google/cel-go/cel"
)

// Predicate selects events in a query. A nil Predicate selects every event.
type Predicate func(Document) bool

// AlwaysTrue selects every event.
func AlwaysTrue(Document) bool { return true }

// FieldEquals selects events whose field at pointer equals value.
func FieldEquals(pointer string, value any) Predicate {
	ptr, err := jsonpointer.New(pointer)
	if err != nil {
		return func(Document) bool { return false }
	}
	return func(doc Document) bool {
		got, _, err := ptr.Get(map[string]any(doc))
		if err != nil {
			return false
		}
		return reflect.DeepEqual(got, value)
	}
}

// CompileFilter compiles a CEL expression over the variable "event" into a
// Predicate, e.g. `event.userId == "alice" && event.request.status >= 400`.
// An empty expression selects every event. Events for which the expression
// fails to evaluate or does not yield a boolean are not selected.
func CompileFilter(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return AlwaysTrue, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, newError(KindBadRequest, "", "invalid filter", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, newError(KindBadRequest, "", "invalid filter", iss.Err())
	}
	if t := checked.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, newError(KindBadRequest, "", fmt.Sprintf("filter must evaluate to a boolean, not %s", t), nil)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, newError(KindBadRequest, "", "invalid filter", err)
	}

	return func(doc Document) bool {
		out, _, err := prog.Eval(map[string]any{"event": map[string]any(doc)})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}
