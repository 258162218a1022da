package ep

import "fmt"

// Severity classifies a Diagnostic.
type Severity int

const (
	// SeverityWarning marks a diagnostic that did not prevent a successful parse.
	SeverityWarning Severity = iota
	// SeverityError marks a diagnostic that caused the parse to fail.
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "ERROR"
	}
	return "WARNING"
}

// Diagnostic is a single structured warning or error accumulated while
// decoding a frame, value, or message.
type Diagnostic struct {
	Severity   Severity
	Code       string
	Message    string
	ByteOffset int // -1 if not applicable
	FieldPath  string
}

func (d Diagnostic) String() string {
	if d.FieldPath != "" {
		return fmt.Sprintf("%s[%s] %s (at %s)", d.Severity, d.Code, d.Message, d.FieldPath)
	}
	return fmt.Sprintf("%s[%s] %s", d.Severity, d.Code, d.Message)
}

// DiagnosticCollector is a mutable ordered list of diagnostics. It is not
// safe for concurrent use; one collector backs exactly one decode call tree.
type DiagnosticCollector struct {
	items []Diagnostic
}

// NewDiagnosticCollector returns an empty collector.
func NewDiagnosticCollector() *DiagnosticCollector {
	return &DiagnosticCollector{}
}

func (c *DiagnosticCollector) warning(code, message string) {
	c.items = append(c.items, Diagnostic{Severity: SeverityWarning, Code: code, Message: message, ByteOffset: -1})
}

func (c *DiagnosticCollector) error(code, message string) {
	c.items = append(c.items, Diagnostic{Severity: SeverityError, Code: code, Message: message, ByteOffset: -1})
}

func (c *DiagnosticCollector) warningAt(code, message, fieldPath string) {
	c.items = append(c.items, Diagnostic{Severity: SeverityWarning, Code: code, Message: message, ByteOffset: -1, FieldPath: fieldPath})
}

func (c *DiagnosticCollector) errorAt(code, message, fieldPath string) {
	c.items = append(c.items, Diagnostic{Severity: SeverityError, Code: code, Message: message, ByteOffset: -1, FieldPath: fieldPath})
}

// Items returns the accumulated diagnostics in emission order.
func (c *DiagnosticCollector) Items() []Diagnostic {
	return c.items
}

// HasErrors reports whether any diagnostic at ERROR severity was recorded.
func (c *DiagnosticCollector) HasErrors() bool {
	for _, d := range c.items {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// PromoteWarningsToErrors rewrites every WARNING diagnostic to ERROR in
// place. Used by strict-mode parsing.
func (c *DiagnosticCollector) PromoteWarningsToErrors() {
	for i := range c.items {
		c.items[i].Severity = SeverityError
	}
}

// DiagnosticContext threads a collector explicitly through nested decoder
// calls instead of relying on goroutine-local storage. Field-path scopes
// nest strictly LIFO: Push returns a restore func that callers defer
// immediately so the previous path segment is restored on every return
// path, including panics.
type DiagnosticContext struct {
	collector *DiagnosticCollector
	path      []string
}

// NewDiagnosticContext wraps a collector for threading through decode calls.
func NewDiagnosticContext(c *DiagnosticCollector) *DiagnosticContext {
	return &DiagnosticContext{collector: c}
}

// Collector returns the underlying collector.
func (ctx *DiagnosticContext) Collector() *DiagnosticCollector {
	return ctx.collector
}

// Push enters a named field scope, returning a restore function. Callers
// must `defer ctx.Push(name)()` so the scope is popped on every exit path.
func (ctx *DiagnosticContext) Push(field string) func() {
	ctx.path = append(ctx.path, field)
	depth := len(ctx.path)
	return func() {
		if len(ctx.path) != depth {
			// A nested Push was not restored before this one returned: the
			// bug the source calls out explicitly as "itself a bug".
			panic("ep: diagnostic context scope restored out of order")
		}
		ctx.path = ctx.path[:depth-1]
	}
}

func (ctx *DiagnosticContext) fieldPath() string {
	if len(ctx.path) == 0 {
		return ""
	}
	out := ctx.path[0]
	for _, p := range ctx.path[1:] {
		out += "." + p
	}
	return out
}

// Warning records a WARNING diagnostic tagged with the current field path.
func (ctx *DiagnosticContext) Warning(code, message string) {
	ctx.collector.warningAt(code, message, ctx.fieldPath())
}

// Error records an ERROR diagnostic tagged with the current field path.
func (ctx *DiagnosticContext) Error(code, message string) {
	ctx.collector.errorAt(code, message, ctx.fieldPath())
}

// ParseResult is the outcome of any decode entry point: success-with-
// diagnostics or failure-with-diagnostics. Decoders never panic across this
// boundary.
type ParseResult[T any] struct {
	Value       T
	OK          bool
	Diagnostics []Diagnostic
}

func success[T any](v T, diags []Diagnostic) ParseResult[T] {
	return ParseResult[T]{Value: v, OK: true, Diagnostics: diags}
}

func failure[T any](diags []Diagnostic) ParseResult[T] {
	var zero T
	return ParseResult[T]{Value: zero, OK: false, Diagnostics: diags}
}
