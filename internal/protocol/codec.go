package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a message that could not be decoded or is missing
// required fields.
var ErrMalformed = errors.New("malformed message")

type rawRequest struct {
	Type     *string `json:"type"`
	Pathname *string `json:"pathname"`
}

// DecodeRequest parses a single viewer request.
func DecodeRequest(data []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type == nil {
		return Request{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	request := Request{Type: RequestType(*raw.Type)}
	if raw.Pathname != nil {
		request.Pathname = *raw.Pathname
	}

	switch request.Type {
	case RequestPing:
		return request, nil
	case RequestOpen, RequestClose:
		if request.Pathname == "" {
			return Request{}, fmt.Errorf("%w: %s requires pathname", ErrMalformed, request.Type)
		}
		return request, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, request.Type)
	}
}

// EncodeRequest renders a request as a JSON object.
func EncodeRequest(request Request) ([]byte, error) {
	return json.Marshal(request)
}

// DecodeNotices parses a service message that is either a bare notice or an
// array of notices. Every notice must carry a known kind.
func DecodeNotices(data []byte) ([]Notice, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	var notices []Notice
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &notices); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		var notice Notice
		if err := json.Unmarshal(trimmed, &notice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		notices = []Notice{notice}
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformed)
	}

	for index, notice := range notices {
		if !notice.Kind.Valid() {
			return nil, fmt.Errorf("%w: notice %d has unknown eventType %q", ErrMalformed, index, notice.Kind)
		}
	}
	return notices, nil
}

// EncodeNotice renders a single live notice as a bare object.
func EncodeNotice(notice Notice) ([]byte, error) {
	return json.Marshal(notice)
}

// EncodeBatch renders notices as a JSON array. A nil batch encodes as [].
func EncodeBatch(notices []Notice) ([]byte, error) {
	if notices == nil {
		notices = []Notice{}
	}
	return json.Marshal(notices)
}
