package ep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticContextPushPopLIFO(t *testing.T) {
	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)

	doneOuter := ctx.Push("outer")
	ctx.Warning("W1", "at outer")
	doneInner := ctx.Push("inner")
	ctx.Warning("W2", "at outer.inner")
	doneInner()
	ctx.Warning("W3", "at outer again")
	doneOuter()
	ctx.Warning("W4", "at root")

	items := collector.Items()
	require.Len(t, items, 4)
	assert.Equal(t, "outer", items[0].FieldPath)
	assert.Equal(t, "outer.inner", items[1].FieldPath)
	assert.Equal(t, "outer", items[2].FieldPath)
	assert.Equal(t, "", items[3].FieldPath)
}

func TestDiagnosticContextOutOfOrderRestorePanics(t *testing.T) {
	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)

	doneOuter := ctx.Push("outer")
	_ = ctx.Push("inner") // never restored

	assert.Panics(t, func() { doneOuter() })
}

func TestPromoteWarningsToErrors(t *testing.T) {
	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	ctx.Warning("W1", "a warning")
	require.False(t, collector.HasErrors())

	collector.PromoteWarningsToErrors()
	assert.True(t, collector.HasErrors())
	assert.Equal(t, SeverityError, collector.Items()[0].Severity)
}

func TestDiagnosticStringIncludesFieldPath(t *testing.T) {
	d := Diagnostic{Severity: SeverityWarning, Code: "X", Message: "msg", FieldPath: "a.b"}
	assert.Contains(t, d.String(), "a.b")
	assert.Contains(t, d.String(), "WARNING")
}
