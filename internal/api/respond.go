package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	xerrors "ZKGuard-Chain/internal/errors"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, statusOf(err), errorBody{
		Error: message,
		Code:  string(code),
		Field: xerrors.MetadataOf(err, "field"),
	})
}

func statusOf(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalidInput:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case xerrors.KindInfrastructure:
		return http.StatusBadGateway
	case xerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
