package observe

import (
	"bytes"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// HasChanged reports whether any of fields differs between two JSON
// payloads. With no fields given it falls back to a byte-for-byte
// comparison. Used by Engine to skip a redundant notification fan-out
// when a mutation did not actually change the fields subscribers care
// about (spec §9 "decouples request handling latency from subscriber
// count" — also decouples it from subscriber bandwidth by not pushing
// no-op notifications over a constrained link).
func HasChanged(oldPayload, newPayload []byte, fields ...string) bool {
	if len(fields) == 0 {
		return !bytes.Equal(oldPayload, newPayload)
	}
	for _, f := range fields {
		if gjson.GetBytes(oldPayload, f).Raw != gjson.GetBytes(newPayload, f).Raw {
			return true
		}
	}
	return false
}

// PatchField returns payload with the value at path replaced by value,
// for a notify-handler that wants to adjust one field of a cached
// representation instead of re-serializing the whole body.
func PatchField(payload []byte, path string, value interface{}) ([]byte, error) {
	return sjson.SetBytes(payload, path, value)
}
