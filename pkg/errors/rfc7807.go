package errors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProblemDetails represents RFC 7807 compliant error response
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
	// Instance identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// Fields contains structured detail (check failed, current vs limit)
	Fields map[string]string `json:"fields,omitempty"`
}

const typePrefix = "https://api.meridian.re/errors/"

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

var statusByCode = map[Code]int{
	CodeValidation:           http.StatusBadRequest,
	CodeStaleQuote:           http.StatusConflict,
	CodeInsufficientCapacity: http.StatusUnprocessableEntity,
	CodeVenueTransient:       http.StatusBadGateway,
	CodeInsolvency:           http.StatusServiceUnavailable,
	CodeAlreadyClaimed:       http.StatusConflict,
	CodeAlreadyVoted:         http.StatusConflict,
	CodePoolPaused:           http.StatusServiceUnavailable,
	CodeCircuitOpen:          http.StatusServiceUnavailable,
	CodeNotFound:             http.StatusNotFound,
	CodeInternal:             http.StatusInternalServerError,
}

var titleByCode = map[Code]string{
	CodeValidation:           "Validation Error",
	CodeStaleQuote:           "Stale Quote",
	CodeInsufficientCapacity: "Insufficient Capacity",
	CodeVenueTransient:       "Venue Unavailable",
	CodeInsolvency:           "Pool Insolvent",
	CodeAlreadyClaimed:       "Already Claimed",
	CodeAlreadyVoted:         "Already Voted",
	CodePoolPaused:           "Pool Paused",
	CodeCircuitOpen:          "Circuit Open",
	CodeNotFound:             "Not Found",
	CodeInternal:             "Internal Server Error",
}

// ToProblemDetails converts a domain error into its RFC 7807 form.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	code := CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	pd := &ProblemDetails{
		Type:      typePrefix + string(code),
		Title:     titleByCode[code],
		Status:    status,
		Detail:    err.Error(),
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
	var domainErr *Error
	if As(err, &domainErr) {
		pd.Fields = domainErr.Fields
		pd.Detail = domainErr.Message
	}
	if code == CodeInternal {
		// Never leak internal error strings to callers.
		pd.Detail = "an internal error occurred"
	}
	return pd
}

// GinMiddleware converts errors attached to the gin context into
// application/problem+json responses.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		pd := ToProblemDetails(c.Errors.Last().Err, c.Request.URL.Path)
		c.Header("Content-Type", "application/problem+json")
		c.JSON(pd.Status, pd)
		c.Abort()
	}
}

// AbortWithError writes an error response and stops handler processing.
func AbortWithError(c *gin.Context, err error) {
	pd := ToProblemDetails(err, c.Request.URL.Path)
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(pd.Status, pd)
}
