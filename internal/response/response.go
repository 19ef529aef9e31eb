package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Result reports what a lifecycle action or webhook delivery did to a
// subscription
type Result struct {
	Response
	Status    string `json:"status,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(message string) Response {
	return Response{
		Success: false,
		Message: message,
	}
}

// Outcome wraps a processed lifecycle action
func Outcome(outcome string, duplicate bool, data interface{}) Result {
	return Result{Response: Success(data), Outcome: outcome, Duplicate: duplicate}
}

// Acknowledgement answers a webhook delivery that will not be redelivered.
// A rejection carries its reason in message.
func Acknowledgement(status, outcome, message string) Result {
	res := Result{
		Response:  Success(nil),
		Status:    status,
		Outcome:   outcome,
		Duplicate: status == "Duplicate",
	}
	if message != "" {
		res.Response = Error(message)
	}
	return res
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response interface{}) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	JSON(c, statusCode, Error(message))
}

// ResultJSON sends a lifecycle result with 200
func ResultJSON(c *gin.Context, res Result) {
	JSON(c, http.StatusOK, res)
}
