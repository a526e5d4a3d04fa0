package middleware

import "net/http"

// StatusRecorder is a ResponseWriter that captures the status code
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

// NewStatusRecorder wraps w; the status defaults to 200
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and passes it to the wrapped ResponseWriter
func (r *StatusRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}
