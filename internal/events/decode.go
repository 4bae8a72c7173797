package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/joescharf/chatsync/internal/models"
)

// ErrInvalidFrame is returned for frames that are not JSON objects.
var ErrInvalidFrame = errors.New("invalid event frame")

// Decode parses a stream frame. Both the global shape
// {"directory": ..., "payload": {"type": ..., "properties": ...}} and the bare
// shape {"type": ..., "properties": ...} are accepted. Unrecognised types
// decode to Unknown without error.
func Decode(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrInvalidFrame
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Envelope{}, ErrInvalidFrame
	}

	env := Envelope{Directory: root.Get("directory").String()}
	payload := root
	if p := root.Get("payload"); p.IsObject() {
		payload = p
	}

	kind := Kind(payload.Get("type").String())
	props := []byte(payload.Get("properties").Raw)
	if len(props) == 0 {
		props = []byte("{}")
	}

	ev, err := decodeProperties(kind, props)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	env.Event = ev
	return env, nil
}

func decodeProperties(kind Kind, props []byte) (Event, error) {
	switch kind {
	case KindServerConnected:
		return ServerConnected{}, nil
	case KindPartUpdated:
		return decodeAs[PartUpdated](props)
	case KindPartRemoved:
		return decodeAs[PartRemoved](props)
	case KindMessageUpdated:
		return decodeAs[MessageUpdated](props)
	case KindMessageRemoved:
		return decodeAs[MessageRemoved](props)
	case KindSessionStatus:
		return decodeAs[SessionStatus](props)
	case KindSessionCreated, KindSessionUpdated, KindSessionDeleted:
		var e SessionInfo
		if err := json.Unmarshal(props, &e); err != nil {
			return nil, err
		}
		e.kind = kind
		return e, nil
	case KindSessionError:
		return decodeAs[SessionError](props)
	case KindPermissionAsked:
		var req models.PermissionRequest
		if err := json.Unmarshal(props, &req); err != nil {
			return nil, err
		}
		return PermissionAsked{Request: req}, nil
	case KindPermissionReplied:
		return decodePermissionReplied(props)
	case KindQuestionAsked:
		var req models.QuestionRequest
		if err := json.Unmarshal(props, &req); err != nil {
			return nil, err
		}
		return QuestionAsked{Request: req}, nil
	case KindQuestionReplied:
		return decodeAs[QuestionReplied](props)
	case KindQuestionRejected:
		return decodeAs[QuestionRejected](props)
	case KindTodoUpdated:
		return decodeAs[TodoUpdated](props)
	default:
		return Unknown{Type: string(kind)}, nil
	}
}

func decodeAs[T Event](props []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(props, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// decodePermissionReplied accepts both the current {requestID, reply} and the
// older {permissionID, response} property names.
func decodePermissionReplied(props []byte) (Event, error) {
	var e PermissionReplied
	if err := json.Unmarshal(props, &e); err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(props)
	if e.RequestID == "" {
		e.RequestID = r.Get("permissionID").String()
	}
	if e.Reply == "" {
		e.Reply = models.PermissionReply(r.Get("response").String())
	}
	return e, nil
}
