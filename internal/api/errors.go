package api

import (
	"github.com/roach88/memsync/internal/record"
)

// ErrorMessage extracts the server's message from a non-2xx body.
//
// Precedence: "message", then "error", then the first entry of "errors"
// (a string, or an object with "message" or "msg"). Returns "" when none
// is present so the caller falls back to the generic message.
func ErrorMessage(body []byte) string {
	obj, err := record.DecodeObject(body)
	if err != nil {
		return ""
	}

	for _, field := range []string{"message", "error"} {
		if s, ok := obj.Text(field); ok {
			return s
		}
	}

	errs, ok := obj["errors"].(record.Array)
	if !ok || len(errs) == 0 {
		return ""
	}
	switch first := errs[0].(type) {
	case record.String:
		return string(first)
	case record.Object:
		for _, field := range []string{"message", "msg"} {
			if s, ok := first.Text(field); ok {
				return s
			}
		}
	}
	return ""
}
