package template

import "strings"

// RefKind discriminates what namespace a template reference resolves in.
type RefKind int

const (
	// KindCurrent references the record in scope: {{current.email}}.
	KindCurrent RefKind = iota
	// KindRecord references a record by ID: {{records.contact_001.name}}.
	KindRecord
	// KindVariable references a workflow variable: {{extracted.items}}.
	KindVariable
)

// Ref is one parsed template reference.
type Ref struct {
	Kind RefKind
	// ID is the record ID for KindRecord, the variable key for KindVariable,
	// empty for KindCurrent.
	ID string
	// Path is the dot-separated path below the namespace root; may be empty.
	Path string
	// Raw is the full placeholder text including braces, for splicing.
	Raw string
}

// Undefined is the sentinel for references that parse fine but resolve to
// nothing: a missing variable, a missing record, or an absent path. It is
// distinct from nil so callers can tell "resolved to null" from "not there".
type Undefined struct{}

func (Undefined) String() string { return "" }

// IsUndefined reports whether a resolved value is the missing sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(Undefined)
	return ok
}

// ParseRefs scans s left to right and returns every {{...}} reference in
// order. Malformed placeholders (unclosed, empty) are left as literal text.
func ParseRefs(s string) []Ref {
	var refs []Ref
	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			break
		}
		end += start + 2
		inner := strings.TrimSpace(s[start+2 : end])
		i = end + 2
		if inner == "" {
			continue
		}
		refs = append(refs, parseRef(inner, s[start:end+2]))
	}
	return refs
}

func parseRef(inner, raw string) Ref {
	head, rest, _ := strings.Cut(inner, ".")
	switch head {
	case "current":
		return Ref{Kind: KindCurrent, Path: rest, Raw: raw}
	case "records":
		id, path, _ := strings.Cut(rest, ".")
		return Ref{Kind: KindRecord, ID: id, Path: path, Raw: raw}
	default:
		return Ref{Kind: KindVariable, ID: head, Path: rest, Raw: raw}
	}
}

// IsWholeRef reports whether s consists of exactly one reference with no
// surrounding text. Whole-reference values keep their resolved type instead
// of being stringified.
func IsWholeRef(s string) (Ref, bool) {
	trimmed := strings.TrimSpace(s)
	refs := ParseRefs(trimmed)
	if len(refs) == 1 && refs[0].Raw == trimmed {
		return refs[0], true
	}
	return Ref{}, false
}

// CollectRecordIDs walks a JSON-like value tree and returns the distinct
// record IDs referenced anywhere in it, in first-seen order. The resolver
// prefetches these in one batch before resolving.
func CollectRecordIDs(value any) []string {
	seen := map[string]bool{}
	var out []string
	walkStrings(value, func(s string) {
		for _, ref := range ParseRefs(s) {
			if ref.Kind == KindRecord && ref.ID != "" && !seen[ref.ID] {
				seen[ref.ID] = true
				out = append(out, ref.ID)
			}
		}
	})
	return out
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	}
}
