package gcpcloud

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/opgate/opgate/pkg/engine"
)

// mapError converts a Cloud Storage error into an adapter error.
func mapError(action string, err error) *engine.EngineError {
	code := engine.ErrCodeTransient
	var status int

	var gerr *googleapi.Error
	switch {
	case errors.Is(err, storage.ErrBucketNotExist), errors.Is(err, storage.ErrObjectNotExist):
		code = engine.ErrCodeNotFound
	case errors.As(err, &gerr):
		status = gerr.Code
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict:
			// 409 means the bucket name belongs to someone, possibly another project.
			code = engine.ErrCodePermissionDenied
		case http.StatusNotFound:
			code = engine.ErrCodeNotFound
		case http.StatusTooManyRequests:
			code = engine.ErrCodeThrottled
		case http.StatusNotImplemented:
			code = engine.ErrCodeUnsupported
		}
	case strings.Contains(err.Error(), "could not find default credentials"):
		code = engine.ErrCodePermissionDenied
	}

	e := engine.NewAdapterError(code, fmt.Sprintf("failed to %s", action), err)
	if status != 0 {
		e = e.WithDetail("http_status", status)
	}
	return e
}
