// Package schema implements the two JSON Schema shapes the gateway
// validates against: a statically compiled schema built once at startup,
// and a dynamic schema built per request whose compilation is deferred and
// memoized on first use.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/inferencegate/gatewayerr"
)

// Validator is implemented by both Static and Dynamic schemas.
type Validator interface {
	// Validate checks value (already decoded into Go values, e.g. via
	// json.Unmarshal into `any`) against the schema.
	Validate(value any) error
}

// ValidationError carries the schema path and offending value for a failed
// validation, per spec.md §4.B.
type ValidationError struct {
	Path  string
	Value any
	cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: validation failed at %s: %v", e.Path, e.cause)
}

func (e *ValidationError) Unwrap() error { return e.cause }

func wrapValidationErr(err error, value any) error {
	var ve *jsonschema.ValidationError
	path := ""
	if ok := asValidationError(err, &ve); ok {
		path = ve.InstanceLocation
	}
	return gatewayerr.Wrap(gatewayerr.JsonSchema, &ValidationError{Path: path, Value: value, cause: err}, "schema validation failed")
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	for err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			*target = ve
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Static is a schema compiled eagerly at construction time, the way
// function-level input/output schemas are compiled once at startup.
type Static struct {
	schema *jsonschema.Schema
}

// NewStatic compiles schemaDoc (already decoded JSON, e.g. a
// map[string]any) immediately, returning a JsonSchema gateway error if the
// document is not a valid JSON Schema.
func NewStatic(name string, schemaDoc any) (*Static, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.JsonSchema, err, "add schema resource "+name)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.JsonSchema, err, "compile schema "+name)
	}
	return &Static{schema: compiled}, nil
}

// NewStaticFromJSON decodes raw JSON Schema bytes and compiles it eagerly.
func NewStaticFromJSON(name string, raw []byte) (*Static, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "unmarshal schema "+name)
	}
	return NewStatic(name, doc)
}

// Precompile is a no-op for Static: compilation already happened in
// NewStatic/NewStaticFromJSON. It exists so callers can treat Static and
// Dynamic uniformly through the Precompiler interface below.
func (s *Static) Precompile() error { return nil }

// Validate synchronously validates value against the compiled schema.
func (s *Static) Validate(value any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	if err := s.schema.Validate(value); err != nil {
		return wrapValidationErr(err, value)
	}
	return nil
}

// Dynamic is a schema supplied at request time. Compilation is deferred
// until the first Validate call and memoized thereafter, since many dynamic
// schemas are supplied but never actually exercised within a request.
type Dynamic struct {
	name string
	doc  any

	once     sync.Once
	compiled *jsonschema.Schema
	compErr  error
}

// NewDynamic wraps a request-scoped schema document. No compilation occurs
// until Validate is first called.
func NewDynamic(name string, schemaDoc any) *Dynamic {
	return &Dynamic{name: name, doc: schemaDoc}
}

func (d *Dynamic) compile() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(d.name, d.doc); err != nil {
		d.compErr = gatewayerr.Wrap(gatewayerr.JsonSchema, err, "add dynamic schema resource "+d.name)
		return
	}
	compiled, err := c.Compile(d.name)
	if err != nil {
		d.compErr = gatewayerr.Wrap(gatewayerr.JsonSchema, err, "compile dynamic schema "+d.name)
		return
	}
	d.compiled = compiled
}

// Validate compiles the schema on first call (memoizing the result, and any
// compile error, for subsequent calls) then validates value against it.
func (d *Dynamic) Validate(value any) error {
	d.once.Do(d.compile)
	if d.compErr != nil {
		return d.compErr
	}
	if err := d.compiled.Validate(value); err != nil {
		return wrapValidationErr(err, value)
	}
	return nil
}

// Precompile forces immediate compilation, memoizing the result exactly as
// the first Validate call would, so a caller can surface (and cache) a
// malformed dynamic schema's compile error before any value is validated
// against it.
func (d *Dynamic) Precompile() error {
	d.once.Do(d.compile)
	return d.compErr
}

// Precompiler is implemented by both Static and Dynamic; Config.Precompile
// uses it to force-compile a tool's underlying schema uniformly regardless
// of which kind backs it.
type Precompiler interface {
	Precompile() error
}
