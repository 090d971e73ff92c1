package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/protocol"
)

// RequestLogger logs basic structured request/response metadata.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			wrapped := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info(
				"http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"bytes", wrapped.size,
				"duration_ms", time.Since(startedAt).Milliseconds(),
			)
		})
	}
}

// RecoverJSON converts a panic into the uniform failure body.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				IncError("internal")
				slog.Default().Error("panic recovered", "panic", fmt.Sprint(recovered), "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, protocol.ActionResponse{
					Success: false,
					Message: "internal server error",
					Code:    "INTERNAL",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (w *responseCapture) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseCapture) Write(body []byte) (int, error) {
	size, err := w.ResponseWriter.Write(body)
	w.size += size
	return size, err
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *responseCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *responseCapture) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDeviceError maps a device.Error code to an HTTP status.
func writeDeviceError(w http.ResponseWriter, err error) {
	e := device.AsError(err, device.CodeDriverUnreachable, "")
	status := http.StatusOK
	switch e.Code {
	case device.CodeForbidden:
		status = http.StatusForbidden
	case device.CodeUnknownDevice:
		status = http.StatusNotFound
	case device.CodeInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, protocol.ActionResponse{Success: false, Message: e.Public(), Code: string(e.Code)})
}

// decodeActionRequest accepts a JSON body or a url-encoded form with the
// same field names.
func decodeActionRequest(w http.ResponseWriter, r *http.Request) (protocol.ActionRequest, error) {
	var req protocol.ActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("decode json: %w", err)
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("parse form: %w", err)
	}
	req.Action = r.PostForm.Get("action")
	req.DeviceID = r.PostForm.Get("device_id")
	req.CSRFToken = r.PostForm.Get("csrf_token")
	return req, nil
}
