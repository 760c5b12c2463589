package kfmt

import (
	"bytes"
	"testing"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"%s", []interface{}{"foo"}, "foo"},
		{"%5s", []interface{}{"foo"}, "  foo"},
		{"%s", []interface{}{[]byte("bar")}, "bar"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%5d", []interface{}{42}, "   42"},
		{"%d", []interface{}{uint64(18446744073709551615)}, "18446744073709551615"},
		{"%x", []interface{}{uintptr(0x80200000)}, "80200000"},
		{"%16x", []interface{}{uintptr(0x80200000)}, "0000000080200000"},
		{"%o", []interface{}{8}, "10"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%d%%", []interface{}{100}, "100%"},
		{"mixed %s and %d!", []interface{}{"text", 7}, "mixed text and 7!"},
		{"%d", nil, "%!(MISSING)"},
		{"%v", []interface{}{1}, "%!(NOVERB)"},
		{"%d", []interface{}{"not a number"}, "%!(WRONGTYPE)"},
		{"%t", []interface{}{1}, "%!(WRONGTYPE)"},
		{"done", []interface{}{1, 2}, "done%!(EXTRA)%!(EXTRA)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfBuffersEarlyOutput(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyBuffer = ringBuffer{}

	Printf("early %d\n", 1)
	Printf("early %d\n", 2)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early 1\nearly 2\n", buf.String(); got != exp {
		t.Fatalf("expected sink to receive buffered output %q; got %q", exp, got)
	}

	// Once a sink is registered output goes straight to it.
	Printf("late")
	if exp, got := "early 1\nearly 2\nlate", buf.String(); got != exp {
		t.Fatalf("expected sink to receive %q; got %q", exp, got)
	}
}
