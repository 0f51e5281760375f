package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/programme-lv/submfeed/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func decode(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandleErrorUsesServiceError(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(quiet, rec, srvcerror.ErrInvalidEvent())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, StatusError, env.Status)
	assert.Equal(t, srvcerror.ErrCodeInvalidEvent, env.ErrCode)
	assert.NotEmpty(t, env.ErrMsg)
}

func TestHandleErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(quiet, rec, errors.New("dynamodb: throttled"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, srvcerror.ErrCodeInternalServerError, env.ErrCode)
	assert.NotContains(t, env.ErrMsg, "dynamodb")
}

func TestWriteRawJsonSkipsEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRawJson(rec, map[string][]int{"items": {}})

	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestDecodeBody(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"anna"}`))
	require.NoError(t, DecodeBody(httptest.NewRecorder(), req, 64, &v))
	assert.Equal(t, "anna", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := DecodeBody(httptest.NewRecorder(), req, 64, &v)
	var srvcErr *srvcerror.Error
	require.ErrorAs(t, err, &srvcErr)
	assert.Equal(t, http.StatusBadRequest, srvcErr.HttpStatusCode())

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	_, err = ReadBody(httptest.NewRecorder(), req, 10)
	require.ErrorAs(t, err, &srvcErr)
	assert.Equal(t, srvcerror.ErrCodeInvalidRequest, srvcErr.ErrorCode())
}
