package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequests inflates gzip request bodies, capped at maxBytes once
// inflated. Encodings other than gzip and identity answer 415.
func DecompressRequests(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			gz, ok := requestEncoding(req.Header.Get(echo.HeaderContentEncoding))
			if !ok {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}
			if !gz {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{
				r:   http.MaxBytesReader(c.Response(), io.NopCloser(zr), maxBytes),
				zr:  zr,
				raw: req.Body,
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// requestEncoding reports whether the body is gzip-encoded and whether every
// listed coding is understood.
func requestEncoding(header string) (gz, ok bool) {
	for _, enc := range strings.Split(header, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "", "identity":
		case "gzip", "x-gzip":
			gz = true
		default:
			return false, false
		}
	}
	return gz, true
}

type inflatedBody struct {
	r   io.ReadCloser
	zr  *gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
