package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/programme-lv/submfeed/srvcerror"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope wraps every JSON response except the raw polling body.
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	ErrCode string `json:"code,omitempty"`
	ErrMsg  string `json:"message,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	// responses carry tokens and live state
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write json response", "error", err)
	}
}

func WriteSuccessJson(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Envelope{Status: StatusSuccess, Data: data})
}

// WriteRawJson writes data without the envelope, for bodies whose shape
// clients already depend on, e.g. {"items": [...]}.
func WriteRawJson(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, data)
}

func WriteErrorJson(w http.ResponseWriter, errMsg string, statusCode int, errCode string) {
	write(w, statusCode, Envelope{Status: StatusError, ErrMsg: errMsg, ErrCode: errCode})
}

// HandleError answers with the service error wrapped in err, or with a bare
// 500 when err is not one. Client errors are logged at info level.
func HandleError(logger *slog.Logger, w http.ResponseWriter, err error) {
	srvcErr := &srvcerror.Error{}
	if !errors.As(err, &srvcErr) {
		logger.Error("internal server error", "error", err)
		WriteErrorJson(w, http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError, srvcerror.ErrCodeInternalServerError)
		return
	}

	attrs := []any{"code", srvcErr.ErrorCode(), "error", err}
	if srvcErr.DebugInfo() != nil {
		attrs = append(attrs, "debug", srvcErr.DebugInfo())
	}
	if srvcErr.HttpStatusCode() >= http.StatusInternalServerError {
		logger.Error("internal server error", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}
	WriteErrorJson(w, srvcErr.Error(), srvcErr.HttpStatusCode(), srvcErr.ErrorCode())
}

// ReadBody reads at most limit bytes of the request body. Oversized or
// unreadable bodies come back as bad request service errors.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err == nil {
		return raw, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, srvcerror.ErrInvalidRequest("pieprasījums ir pārāk liels").SetDebug(err)
	}
	return nil, srvcerror.ErrInvalidRequest("neizdevās nolasīt pieprasījumu").SetDebug(err)
}

// DecodeBody reads and unmarshals a JSON request body into v.
func DecodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	raw, err := ReadBody(w, r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return srvcerror.ErrInvalidRequest("nederīgs JSON pieprasījums").SetDebug(err)
	}
	return nil
}
