package expr

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// String renders the term in a compact, deterministic chained form, e.g.
//
//	table("users").get_all("a@b.c", {index: "email"}).count()
func (t Term) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Term) write(b *strings.Builder) {
	switch t.op {
	case "":
		b.WriteString("<invalid>")
	case OpDatum:
		fmt.Fprintf(b, "%#v", t.datum)
	case OpVar:
		fmt.Fprintf(b, "var_%d", t.datum)
	case OpObject:
		b.WriteString("{")
		keys := maps.Keys(t.fields)
		slices.Sort(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			t.fields[k].write(b)
		}
		b.WriteString("}")
	case OpArray:
		b.WriteString("[")
		writeList(b, t.args)
		b.WriteString("]")
	case OpTableList, OpNow, OpTableCreate, OpTable, OpBranch, OpDo, OpError, OpArgs:
		b.WriteString(string(t.op))
		b.WriteString("(")
		writeTop(b, t)
		b.WriteString(")")
	default:
		// Chained operation: the receiver is the first argument.
		if len(t.args) > 0 {
			t.args[0].write(b)
			b.WriteString(".")
		}
		b.WriteString(string(t.op))
		b.WriteString("(")
		writeChained(b, t)
		b.WriteString(")")
	}
}

func writeTop(b *strings.Builder, t Term) {
	switch t.op {
	case OpTableCreate, OpTable:
		fmt.Fprintf(b, "%q", t.name)
		writeOpts(b, t.opts, true)
	case OpError:
		fmt.Fprintf(b, "%q", t.err.Error())
	default:
		writeList(b, t.args)
	}
}

func writeChained(b *strings.Builder, t Term) {
	sep := false
	if t.name != "" {
		fmt.Fprintf(b, "%q", t.name)
		sep = true
	}
	if len(t.args) > 1 {
		if sep {
			b.WriteString(", ")
		}
		writeList(b, t.args[1:])
		sep = true
	}
	if t.fn != nil {
		if sep {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "func(var_%d) ", t.fn.Param)
		t.fn.Body.write(b)
		sep = true
	}
	writeOpts(b, t.opts, sep)
}

func writeList(b *strings.Builder, args []Term) {
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		a.write(b)
	}
}

func writeOpts(b *strings.Builder, opts Options, sep bool) {
	if len(opts) == 0 {
		return
	}
	if sep {
		b.WriteString(", ")
	}
	keys := maps.Keys(opts)
	slices.Sort(keys)
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s: %#v", k, opts[k])
	}
	b.WriteString("}")
}
