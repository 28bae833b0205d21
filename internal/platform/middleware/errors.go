package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/platform/fhir"
)

// ErrorHandler renders every error leaving a handler as an
// OperationOutcome. Server errors are logged and their detail withheld.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		outcome := fhir.NewOperationOutcome(fhir.SeverityError, issueCode(code), msg)
		if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable && code != http.StatusGatewayTimeout {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", code).Msg("request failed")
			outcome = fhir.ErrorOutcome(http.StatusText(code))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

func issueCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return fhir.IssueInvalid
	case http.StatusNotFound:
		return fhir.IssueNotFound
	case http.StatusConflict:
		return fhir.IssueConflict
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTooCostly
	case http.StatusTooManyRequests:
		return fhir.IssueThrottled
	case http.StatusServiceUnavailable:
		return fhir.IssueTransient
	case http.StatusGatewayTimeout:
		return fhir.IssueTimeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return fhir.IssueSecurity
	}
	return fhir.IssueProcessing
}
