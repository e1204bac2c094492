package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// captureLogOutput captures log output for testing by temporarily
// redirecting the logger to write to a buffer
func captureLogOutput(f func()) string {
	// Create a buffer to capture output
	var buf bytes.Buffer

	// Save original logger
	oldLogger := defaultLogger

	// Create a new logger that writes to the buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	defaultLogger = slog.New(handler)

	// Execute function
	f()

	// Restore original logger
	defaultLogger = oldLogger

	return buf.String()
}

// captureLogOutputWithInit captures output by reinitializing the logger
// to write to a buffer. This tests the actual InitLogger ReplaceAttr logic.
func captureLogOutputWithInit(level Level, format Format, f func()) string {
	// Logs go to stderr so converted documents on stdout stay clean
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	// Channel for captured output
	outCh := make(chan string)

	// Read from pipe in background
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		outCh <- buf.String()
	}()

	// Initialize logger (which will use the pipe)
	InitLogger(level, format)

	// Execute test function
	f()

	// Close pipe and restore stderr
	w.Close()
	os.Stderr = oldStderr

	// Wait for output
	output := <-outCh

	// Reinitialize with default settings
	InitLogger(LevelInfo, FormatJSON)

	return output
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{
			name:   "Debug level JSON format",
			level:  LevelDebug,
			format: FormatJSON,
		},
		{
			name:   "Info level JSON format",
			level:  LevelInfo,
			format: FormatJSON,
		},
		{
			name:   "Warn level JSON format",
			level:  LevelWarn,
			format: FormatJSON,
		},
		{
			name:   "Error level JSON format",
			level:  LevelError,
			format: FormatJSON,
		},
		{
			name:   "Info level Text format",
			level:  LevelInfo,
			format: FormatText,
		},
		{
			name:   "Default level (invalid value)",
			level:  Level(999),
			format: FormatJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			logger := GetLogger()
			if logger == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request-id-123"

	newCtx := WithRequestID(ctx, requestID)

	retrievedID := GetRequestID(newCtx)
	if retrievedID != requestID {
		t.Errorf("Expected request ID %s, got %s", requestID, retrievedID)
	}
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
	}{
		{
			name:     "Context with request ID",
			ctx:      context.WithValue(context.Background(), RequestIDKey, "test-id"),
			expected: "test-id",
		},
		{
			name:     "Context without request ID",
			ctx:      context.Background(),
			expected: "",
		},
		{
			name:     "Context with wrong type value",
			ctx:      context.WithValue(context.Background(), RequestIDKey, 12345),
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRequestID(tt.ctx)
			if result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestLoggerFromContext(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	tests := []struct {
		name     string
		ctx      context.Context
		hasReqID bool
	}{
		{
			name:     "Context with request ID",
			ctx:      WithRequestID(context.Background(), "test-123"),
			hasReqID: true,
		},
		{
			name:     "Context without request ID",
			ctx:      context.Background(),
			hasReqID: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := LoggerFromContext(tt.ctx)
			if logger == nil {
				t.Error("Expected logger to be non-nil")
			}
		})
	}
}

func TestLoggingFunctions(t *testing.T) {
	// Initialize with Debug level to ensure all messages are logged
	InitLogger(LevelDebug, FormatJSON)

	tests := []struct {
		name string
		fn   func()
	}{
		{
			name: "Debug",
			fn: func() {
				Debug("debug message", "key", "value")
			},
		},
		{
			name: "Info",
			fn: func() {
				Info("info message", "key", "value")
			},
		},
		{
			name: "Warn",
			fn: func() {
				Warn("warning message", "key", "value")
			},
		},
		{
			name: "Error",
			fn: func() {
				Error("error message", "key", "value")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureLogOutput(tt.fn)
			if output == "" {
				t.Error("Expected log output, got empty string")
			}
		})
	}
}

func TestContextLoggingFunctions(t *testing.T) {
	InitLogger(LevelDebug, FormatJSON)
	ctx := WithRequestID(context.Background(), "test-request-id")

	tests := []struct {
		name string
		fn   func()
	}{
		{
			name: "DebugContext",
			fn: func() {
				DebugContext(ctx, "debug message", "key", "value")
			},
		},
		{
			name: "InfoContext",
			fn: func() {
				InfoContext(ctx, "info message", "key", "value")
			},
		},
		{
			name: "WarnContext",
			fn: func() {
				WarnContext(ctx, "warning message", "key", "value")
			},
		},
		{
			name: "ErrorContext",
			fn: func() {
				ErrorContext(ctx, "error message", "key", "value")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureLogOutput(tt.fn)
			if output == "" {
				t.Error("Expected log output, got empty string")
			}
			if !strings.Contains(output, "test-request-id") {
				t.Error("Expected output to contain request ID")
			}
		})
	}
}

func TestHTTPRequest(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		HTTPRequest("GET", "/preview", "127.0.0.1:1234", 200, 100*time.Millisecond)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "GET") {
		t.Error("Expected output to contain method")
	}
	if !strings.Contains(output, "/preview") {
		t.Error("Expected output to contain path")
	}
	if !strings.Contains(output, "http_request") {
		t.Error("Expected output to contain http_request")
	}
}

func TestHTTPRequestContext(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)
	ctx := WithRequestID(context.Background(), "req-456")

	output := captureLogOutput(func() {
		HTTPRequestContext(ctx, "PUT", "/rules", "10.0.0.1:9999", 204, 75*time.Millisecond)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "req-456") {
		t.Error("Expected output to contain request ID")
	}
	if !strings.Contains(output, "PUT") {
		t.Error("Expected output to contain method")
	}
}

func TestWalkerPass(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		WalkerPass("body", 1200, 37, 3)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "walker_pass") {
		t.Error("Expected output to contain walker_pass")
	}
	if !strings.Contains(output, "1200") {
		t.Error("Expected output to contain visited count")
	}
	if !strings.Contains(output, "37") {
		t.Error("Expected output to contain converted count")
	}
}

func TestMutationFlush(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		MutationFlush(12, 8, 4, "debounce")
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "mutation_flush") {
		t.Error("Expected output to contain mutation_flush")
	}
	if !strings.Contains(output, "debounce") {
		t.Error("Expected output to contain flush cause")
	}
}

func TestRuleFailure(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)
	testErr := errors.New("replacement callback panicked")

	output := captureLogOutput(func() {
		RuleFailure(3, "colour", testErr)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "rule_failure") {
		t.Error("Expected output to contain rule_failure")
	}
	if !strings.Contains(output, "colour") {
		t.Error("Expected output to contain pattern")
	}
	if !strings.Contains(output, "replacement callback panicked") {
		t.Error("Expected output to contain error message")
	}
}

func TestTooltipTransition(t *testing.T) {
	InitLogger(LevelDebug, FormatJSON)

	output := captureLogOutput(func() {
		TooltipTransition("idle", "pending", "pointer_enter")
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "tooltip_transition") {
		t.Error("Expected output to contain tooltip_transition")
	}
	if !strings.Contains(output, "pointer_enter") {
		t.Error("Expected output to contain cause")
	}
}

func TestWebSocketEvent(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		WebSocketEvent("client_connected", 5)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "client_connected") {
		t.Error("Expected output to contain event")
	}
	if !strings.Contains(output, "websocket_event") {
		t.Error("Expected output to contain websocket_event")
	}
}

func TestServerStartup(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		ServerStartup("preview", "HTTP/1.1", 8080)
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "preview") {
		t.Error("Expected output to contain server type")
	}
	if !strings.Contains(output, "8080") {
		t.Error("Expected output to contain port")
	}
	if !strings.Contains(output, "server_startup") {
		t.Error("Expected output to contain server_startup")
	}
}

func TestSecurityEvent(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	output := captureLogOutput(func() {
		SecurityEvent("path_traversal_blocked", "bundle")
	})

	if output == "" {
		t.Error("Expected log output, got empty string")
	}
	if !strings.Contains(output, "path_traversal_blocked") {
		t.Error("Expected output to contain event")
	}
	if !strings.Contains(output, "security_event") {
		t.Error("Expected output to contain security_event")
	}
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name         string
		writeCode    int
		expectedCode int
		callTwice    bool
	}{
		{
			name:         "Write header once",
			writeCode:    http.StatusNotFound,
			expectedCode: http.StatusNotFound,
			callTwice:    false,
		},
		{
			name:         "Write header twice (second call ignored)",
			writeCode:    http.StatusNotFound,
			expectedCode: http.StatusNotFound,
			callTwice:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			rw := &responseWriter{
				ResponseWriter: recorder,
				statusCode:     http.StatusOK,
			}

			rw.WriteHeader(tt.writeCode)
			if tt.callTwice {
				// Second call should be ignored
				rw.WriteHeader(http.StatusInternalServerError)
			}

			if rw.statusCode != tt.expectedCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedCode, rw.statusCode)
			}
			if !rw.written {
				t.Error("Expected written flag to be true")
			}
		})
	}
}

func TestResponseWriter_Write(t *testing.T) {
	recorder := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: recorder,
		statusCode:     http.StatusOK,
	}

	n, err := rw.Write([]byte("test data"))
	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if n != len("test data") {
		t.Errorf("Expected to write %d bytes, wrote %d", len("test data"), n)
	}
	// Should default to 200 OK when Write is called without WriteHeader
	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rw.statusCode)
	}
}

func TestGenerateRequestID(t *testing.T) {
	// Test multiple generations to ensure uniqueness
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateRequestID()
		if id == "" {
			t.Error("Expected non-empty request ID")
		}
		if len(id) != 16 {
			t.Errorf("Expected request ID length 16, got %d", len(id))
		}
		if ids[id] {
			t.Error("Generated duplicate request ID")
		}
		ids[id] = true
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		existingHeader string
		checkFunc      func(t *testing.T, w *httptest.ResponseRecorder)
	}{
		{
			name:           "Generate new request ID",
			existingHeader: "",
			checkFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				reqID := w.Header().Get("X-Request-ID")
				if reqID == "" {
					t.Error("Expected X-Request-ID header to be set")
				}
				if len(reqID) != 16 {
					t.Errorf("Expected request ID length 16, got %d", len(reqID))
				}
			},
		},
		{
			name:           "Use existing request ID from header",
			existingHeader: "existing-req-id-123",
			checkFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				reqID := w.Header().Get("X-Request-ID")
				if reqID != "existing-req-id-123" {
					t.Errorf("Expected request ID 'existing-req-id-123', got '%s'", reqID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Verify context has request ID
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					t.Error("Expected request ID in context")
				}
				w.WriteHeader(http.StatusOK)
			})

			middleware := RequestIDMiddleware(handler)
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.existingHeader != "" {
				req.Header.Set("X-Request-ID", tt.existingHeader)
			}
			w := httptest.NewRecorder()

			middleware.ServeHTTP(w, req)

			tt.checkFunc(t, w)
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	tests := []struct {
		name       string
		method     string
		path       string
		statusCode int
	}{
		{
			name:       "GET request",
			method:     "GET",
			path:       "/document",
			statusCode: http.StatusOK,
		},
		{
			name:       "POST request",
			method:     "POST",
			path:       "/rules/reload",
			statusCode: http.StatusCreated,
		},
		{
			name:       "Error response",
			method:     "GET",
			path:       "/missing",
			statusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			middleware := LoggingMiddleware(handler)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			ctx := WithRequestID(req.Context(), "test-req-id")
			req = req.WithContext(ctx)
			w := httptest.NewRecorder()

			output := captureLogOutput(func() {
				middleware.ServeHTTP(w, req)
			})

			if output == "" {
				t.Error("Expected log output")
			}
			if !strings.Contains(output, tt.method) {
				t.Errorf("Expected output to contain method %s", tt.method)
			}
			if !strings.Contains(output, tt.path) {
				t.Errorf("Expected output to contain path %s", tt.path)
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	middleware := RecoverMiddleware(handler)
	req := httptest.NewRequest("GET", "/panic", nil)
	w := httptest.NewRecorder()

	output := captureLogOutput(func() {
		middleware.ServeHTTP(w, req)
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if !strings.Contains(output, "handler_panic") {
		t.Error("Expected output to contain handler_panic")
	}
}

func TestRecoverMiddleware_NoPanic(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := RecoverMiddleware(handler)
	req := httptest.NewRequest("GET", "/ok", nil)
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestCombinedMiddleware(t *testing.T) {
	InitLogger(LevelInfo, FormatJSON)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request ID is in context
		requestID := GetRequestID(r.Context())
		if requestID == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})

	middleware := CombinedMiddleware(handler)
	req := httptest.NewRequest("GET", "/combined", nil)
	w := httptest.NewRecorder()

	output := captureLogOutput(func() {
		middleware.ServeHTTP(w, req)
	})

	// Should have request ID header
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	// Should have logged the request
	if output == "" {
		t.Error("Expected log output")
	}
	if !strings.Contains(output, "/combined") {
		t.Error("Expected output to contain path")
	}
}

func TestReplaceAttrTimestamp(t *testing.T) {
	// Test that timestamps are formatted in RFC3339 using actual InitLogger
	output := captureLogOutputWithInit(LevelInfo, FormatJSON, func() {
		Info("timestamp test")
	})

	if output == "" {
		t.Error("Expected log output")
	}
	// Check for RFC3339 format pattern (contains T and Z or timezone offset)
	if !strings.Contains(output, "T") {
		t.Error("Expected timestamp to be in RFC3339 format")
	}
	if !strings.Contains(output, "timestamp test") {
		t.Error("Expected output to contain test message")
	}
}

func TestLevelConstants(t *testing.T) {
	// Verify level constants are in correct order
	if LevelDebug >= LevelInfo {
		t.Error("Expected LevelDebug < LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("Expected LevelInfo < LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("Expected LevelWarn < LevelError")
	}
}
