package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-bridge/proxy/internal/apierr"
)

// ErrorResponse is the JSON body returned for any failed request (spec §6
// "Error code surface": CODE|HINT strings crossing the process boundary).
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// asAPIErr coerces err into *apierr.Error, wrapping anything else as an
// opaque invariant violation rather than leaking an unstructured message.
func asAPIErr(err error) *apierr.Error {
	if apiErr, ok := err.(*apierr.Error); ok {
		return apiErr
	}
	return apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, http.StatusInternalServerError, err)
}

func writeAPIError(c *gin.Context, err error) {
	apiErr := asAPIErr(err)
	status := apiErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: apiErr.Wire(), Message: apiErr.Message}})
}

func badRequest(c *gin.Context, message string) {
	writeAPIError(c, apierr.New(apierr.CodeInvalidRequest, apierr.HintNone, http.StatusBadRequest, message))
}
