package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

// maxCaptureBody bounds REST capture requests; the body only ever carries a
// short list of timeframe codes.
const maxCaptureBody int64 = 64 << 10

// decodeOptionalJSON decodes at most one JSON value from the request body.
// An empty body leaves dst untouched. Failures come back as MALFORMED_REQUEST
// together with the HTTP status to report.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) (int, error) {
	if r == nil || r.Body == nil {
		return 0, nil
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	dec := json.NewDecoder(r.Body)
	err := dec.Decode(dst)
	switch {
	case err == nil:
		if dec.More() {
			return http.StatusBadRequest, malformed(errors.New("unexpected data after JSON body"))
		}
		return 0, nil
	case errors.Is(err, io.EOF):
		return 0, nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge,
			malformed(fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)).WithContext("limit", tooLarge.Limit)
	}
	return http.StatusBadRequest, malformed(err)
}

func malformed(err error) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.ErrCodeMalformedRequest, "invalid request body")
}
