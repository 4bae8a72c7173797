package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrRemote is matched by every *RemoteError.
var ErrRemote = errors.New("remote error")

// RemoteError is a failure reported by the remote service, either through the
// HTTP status or through an error envelope in a 2xx body.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = "no detail available"
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote error (%d %s): %s", e.Status, http.StatusText(e.Status), detail)
	}
	return "remote error: " + detail
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// CheckEnvelope inspects a response and returns a *RemoteError when it
// denotes failure. Failure is an HTTP status >= 400, or a JSON object body
// with "success": false or a non-empty "error", at the top level or under
// "data". Bodies that are not JSON objects are accepted as-is.
func CheckEnvelope(status int, body []byte) error {
	failed := status >= http.StatusBadRequest
	obj := gjson.ParseBytes(body)
	if !obj.IsObject() {
		if failed {
			return &RemoteError{Status: status, Detail: plainDetail(body)}
		}
		return nil
	}

	if !failed {
		failed = envelopeFailed(obj) || envelopeFailed(obj.Get("data"))
	}
	if !failed {
		return nil
	}
	return &RemoteError{Status: status, Detail: Detail(obj)}
}

func envelopeFailed(obj gjson.Result) bool {
	if !obj.IsObject() {
		return false
	}
	if s := obj.Get("success"); s.Exists() && s.Type == gjson.False {
		return true
	}
	// Records such as messages carry their own "error"; only bare envelopes count.
	if obj.Get("id").Exists() {
		return false
	}
	e := obj.Get("error")
	switch {
	case !e.Exists(), e.Type == gjson.Null, e.Type == gjson.False:
		return false
	case e.Type == gjson.String:
		return e.Str != ""
	case e.IsArray():
		return len(e.Array()) > 0
	default:
		return true
	}
}

// Detail extracts a human-readable failure detail from an error envelope.
// It returns "" when the body carries none.
func Detail(obj gjson.Result) string {
	for _, path := range []string{"message", "error", "errors", "data.message", "data.error", "data.errors"} {
		if d := detailOf(obj.Get(path)); d != "" {
			return d
		}
	}
	return ""
}

func detailOf(v gjson.Result) string {
	switch {
	case !v.Exists():
		return ""
	case v.Type == gjson.String:
		return strings.TrimSpace(v.Str)
	case v.IsArray():
		var msgs []string
		for _, item := range v.Array() {
			if d := detailOf(item); d != "" {
				msgs = append(msgs, d)
			}
		}
		return strings.Join(msgs, "; ")
	case v.IsObject():
		for _, path := range []string{"message", "data.message", "name"} {
			if s := v.Get(path); s.Type == gjson.String && s.Str != "" {
				return s.Str
			}
		}
	}
	return ""
}

func plainDetail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
