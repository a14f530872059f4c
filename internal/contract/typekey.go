package contract

import (
	"reflect"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// JobTypeKeyer lets a payload type choose its own job type key.
type JobTypeKeyer interface {
	JobTypeKey() string
}

// TypeKey derives the job type key of a payload value.
//
// Payloads implementing JobTypeKeyer decide for themselves; otherwise the key
// is the kebab-case name of the Go type, so CrunchTheNumbers becomes
// "crunch-the-numbers". Pointers are dereferenced. Unnamed types yield "".
func TypeKey(v any) string {
	if k, ok := v.(JobTypeKeyer); ok {
		return norm.NFC.String(k.JobTypeKey())
	}
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return Kebab(t.Name())
}

// Kebab converts a Go identifier to kebab-case. Acronyms stay together:
// HTTPFetch becomes "http-fetch" and ResizeImageV2 becomes "resize-image-v2".
// Underscores and spaces are treated as separators.
func Kebab(name string) string {
	runes := []rune(norm.NFC.String(name))
	var b strings.Builder
	for i, r := range runes {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
			continue
		}
		if i > 0 && b.Len() > 0 && !strings.HasSuffix(b.String(), "-") && boundary(runes, i) {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	// Casers are stateful, so one is built per call.
	return strings.Trim(cases.Lower(language.Und).String(b.String()), "-")
}

// boundary reports whether a word starts at runes[i].
func boundary(runes []rune, i int) bool {
	prev, cur := runes[i-1], runes[i]
	switch {
	case unicode.IsUpper(cur) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
		return true
	case unicode.IsUpper(cur) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
		return true
	}
	return false
}
