package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// maxErrMessageLen caps how much upstream body text travels inside an error.
const maxErrMessageLen = 300

// wireError classifies a raw HTTP failure response, pulling the upstream
// message out of the common error envelopes when present. Only response
// text enters the error; request material never does.
func wireError(status int, body []byte) error {
	msg := strings.TrimSpace(errMessage(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if len(msg) > maxErrMessageLen {
		msg = msg[:maxErrMessageLen]
	}
	return providers.NewHTTPError(status, msg)
}

// errMessage digs a human-readable message out of the response body. The
// OpenAI-style {"error":{"message":...}} envelope is tried first, then the
// bare-string error used by Ollama, then the flat variants, then the raw
// body.
func errMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var obj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
				return obj.Message
			}
			var s string
			if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
				return s
			}
		}
		switch {
		case envelope.Message != "":
			return envelope.Message
		case envelope.Detail != "":
			return envelope.Detail
		}
	}
	return string(body)
}

// sdkErrMessage recovers the upstream message from an SDK error string of
// the form `METHOD "url": status text {json body}`. Only the body part is
// used, so request URLs stay out of the classified error.
func sdkErrMessage(full string, status int) string {
	if i := strings.IndexByte(full, '{'); i >= 0 {
		if msg := errMessage([]byte(full[i:])); msg != "" && msg[0] != '{' {
			if len(msg) > maxErrMessageLen {
				msg = msg[:maxErrMessageLen]
			}
			return msg
		}
	}
	return http.StatusText(status)
}

// transportError folds non-HTTP failures (dial, TLS, deadline) into the
// classified vocabulary. URL errors are unwrapped so endpoint addresses do
// not leak into messages.
func transportError(err error) error {
	var perr *providers.Error
	if errors.As(err, &perr) {
		return perr
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return &providers.Error{Kind: providers.KindTimeout, Message: "upstream call timed out"}
		}
		err = uerr.Err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &providers.Error{Kind: providers.KindTimeout, Message: "upstream call timed out"}
	case errors.Is(err, context.Canceled):
		return &providers.Error{Kind: providers.KindTransport, Message: "upstream call canceled"}
	}
	return &providers.Error{Kind: providers.KindTransport, Message: err.Error()}
}

// decodeError marks a 200 response whose body did not parse.
func decodeError(what string) error {
	return &providers.Error{Kind: providers.KindDecode, Message: "upstream returned " + what}
}
