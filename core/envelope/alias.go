package envelope

import "regexp"

// dataAliases is the frozen data-level alias table, applied recursively to
// the keys of Data and Meta. Unknown keys pass through unchanged.
var dataAliases = map[string]string{
	"entity_id":       "e",
	"task_id":         "ti",
	"object_id":       "oi",
	"alias":           "als",
	"type":            "t",
	"subtype":         "st",
	"status":          "s",
	"components":      "c",
	"telemetry":       "tl",
	"health":          "h",
	"battery_percent": "bp",
	"latitude":        "lat",
	"longitude":       "lon",
	"altitude_m":      "alt",
	"metadata":        "m",
	"created_at":      "ca",
	"updated_at":      "ua",
	"note":            "n",
	"reason":          "r",
	"status_filter":   "sf",
	"since":           "sn",
	"fields":          "f",
	"limit":           "l",
	"offset":          "o",
	"cursor":          "cur",
	"result":          "res",
}

var dataReverse = func() map[string]string {
	m := make(map[string]string, len(dataAliases))
	for k, v := range dataAliases {
		m[v] = k
	}
	return m
}()

// Keys whose string values get timestamp normalization on encode, in both
// long and aliased form.
var timestampKeys = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"ca":         true,
	"ua":         true,
}

// Fractional seconds are stripped on encode, timezone suffix preserved:
// "2026-01-05T03:29:01.433990+00:00" becomes "2026-01-05T03:29:01+00:00".
var timestampRe = regexp.MustCompile(`^(.+T\d{2}:\d{2}:\d{2})(?:\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)

func normalizeTimestamp(key string, value any) any {
	s, ok := value.(string)
	if !ok || !timestampKeys[key] {
		return value
	}
	m := timestampRe.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	return m[1] + m[2]
}

// ShortenPayload applies the data-level alias table (and timestamp
// normalization) to an arbitrary JSON-compatible value.
func ShortenPayload(value any) any {
	return aliasValue(value, true)
}

// ExpandPayload reverses the data-level aliasing on a payload.
func ExpandPayload(value any) any {
	return aliasValue(value, false)
}

func aliasValue(value any, encode bool) any {
	switch v := value.(type) {
	case map[string]any:
		mapped := make(map[string]any, len(v))
		for key, val := range v {
			var newKey string
			var ok bool
			if encode {
				newKey, ok = dataAliases[key]
			} else {
				newKey, ok = dataReverse[key]
			}
			if !ok {
				newKey = key
			}
			if encode {
				val = normalizeTimestamp(key, val)
			}
			mapped[newKey] = aliasValue(val, encode)
		}
		return mapped
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = aliasValue(item, encode)
		}
		return out
	default:
		return value
	}
}
