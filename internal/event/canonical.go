package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// writeCanonicalValue renders v as canonical JSON: object keys sorted,
// no insignificant whitespace, numbers in their shortest stable form.
// Payload values decoded from the wire with json.Number keep their original
// textual representation, so decode-reencode round trips are byte-identical.
func writeCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, t)
	case json.Number:
		b.WriteString(t.String())
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, k)
			b.WriteByte(':')
			writeCanonicalValue(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalValue(b, el)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, el)
		}
		b.WriteByte(']')
	default:
		// Uncommon payload types (structs, typed maps) fall back to
		// encoding/json, which already sorts map keys.
		enc, err := json.Marshal(t)
		if err != nil {
			writeCanonicalString(b, fmt.Sprint(t))
			return
		}
		b.Write(enc)
	}
}

func writeCanonicalString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
