package www

import (
	"fmt"
	"net/http"
)

// HTTPError can be panic'ed inside RunProtected, which turns it into a
// JSON error response with the given status code.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

// Panic creates an HTTPError object and panics it.
func Panic(code int, message string) {
	panic(HTTPError{code, message})
}

// PanicBadRequestf panics with a 400 Bad Request.
func PanicBadRequestf(format string, args ...any) {
	panic(BadRequestf(format, args...))
}

func BadRequestf(format string, args ...any) HTTPError {
	return HTTPError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func PanicNotFound() {
	panic(HTTPError{http.StatusNotFound, "Not Found"})
}

// PanicServerErrorf panics with a 500 Internal Server Error.
func PanicServerErrorf(format string, args ...any) {
	panic(ServerErrorf(format, args...))
}

func ServerErrorf(format string, args ...any) HTTPError {
	return HTTPError{http.StatusInternalServerError, fmt.Sprintf(format, args...)}
}

// Check causes a panic if err is not nil.
func Check(err error) {
	if err != nil {
		panic(err)
	}
}
