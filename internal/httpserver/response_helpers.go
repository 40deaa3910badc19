package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/storage"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// writeStoreError maps a storage error onto the standard error response.
// notFoundCode names the resource the lookup missed.
func writeStoreError(w http.ResponseWriter, err error, notFoundCode apierrors.ErrorCode) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, notFoundCode, "not found")
	case errors.Is(err, storage.ErrAlreadyTerminal):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadyTerminal, "payment intent is in a terminal state")
	case errors.Is(err, storage.ErrStaleState), errors.Is(err, storage.ErrInvalidTransition):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, storage.ErrRefundExceedsAmount):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRefundExceedsAmount, "refund exceeds the settled amount")
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "storage operation failed")
	}
}
