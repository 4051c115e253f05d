package api

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestDecompressRequests(t *testing.T) {
	e := echo.New()
	e.Use(DecompressRequests(32))
	e.POST("/echo", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.NoContent(http.StatusRequestEntityTooLarge)
			}
			return err
		}
		if c.Request().Header.Get(echo.HeaderContentEncoding) != "" {
			t.Errorf("content encoding header should be removed")
		}
		return c.String(http.StatusOK, string(body))
	})

	tests := []struct {
		name     string
		encoding string
		body     []byte
		wantCode int
		wantBody string
	}{
		{name: "plain", body: []byte(`{"a":1}`), wantCode: http.StatusOK, wantBody: `{"a":1}`},
		{name: "gzip", encoding: "gzip", body: gzipBytes(t, `{"a":2}`), wantCode: http.StatusOK, wantBody: `{"a":2}`},
		{name: "listed", encoding: "identity, GZIP", body: gzipBytes(t, `{"a":3}`), wantCode: http.StatusOK, wantBody: `{"a":3}`},
		{name: "corrupt", encoding: "gzip", body: []byte("plain text"), wantCode: http.StatusBadRequest},
		{name: "too large", encoding: "gzip", body: gzipBytes(t, strings.Repeat("x", 64)), wantCode: http.StatusRequestEntityTooLarge},
		{name: "brotli", encoding: "br", body: []byte("??"), wantCode: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(tt.body))
			if tt.encoding != "" {
				req.Header.Set(echo.HeaderContentEncoding, tt.encoding)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && strings.TrimSpace(rec.Body.String()) != tt.wantBody {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
}
