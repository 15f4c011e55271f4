package storage

import (
	"io"
	"strings"

	"github.com/bytedance/sonic"
)

type errorBody struct {
	Detail sonic.NoCopyRawMessage `json:"detail"`
}

type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// readErrorDetail extracts a human readable message from an error response.
// The store answers either {"detail": "text"} or, for schema violations,
// {"detail": [{"loc": [...], "msg": "..."}]}.
func readErrorDetail(r io.Reader) (field, msg string) {
	raw, err := io.ReadAll(r)
	if err != nil || len(raw) == 0 {
		return "", ""
	}
	var body errorBody
	if err := sonic.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return "", strings.TrimSpace(string(raw))
	}
	var text string
	if err := sonic.Unmarshal(body.Detail, &text); err == nil {
		return "", text
	}
	var list []fieldError
	if err := sonic.Unmarshal(body.Detail, &list); err == nil && len(list) > 0 {
		first := list[0]
		if n := len(first.Loc); n > 0 {
			if s, ok := first.Loc[n-1].(string); ok {
				field = s
			}
		}
		if field != "" && first.Msg != "" {
			return field, field + ": " + first.Msg
		}
		return field, first.Msg
	}
	return "", string(body.Detail)
}
