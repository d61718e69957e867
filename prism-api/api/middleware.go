package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// maxInflatedSize bounds a decompressed request body.
const maxInflatedSize = 4 * maxBodySize

// DecompressRequests inflates gzip encoded request bodies. Invalid gzip
// payloads get a 400.
func DecompressRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = http.MaxBytesReader(c.Response(), &inflatedBody{gz: gr, raw: body}, maxInflatedSize)
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	gz  *gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *inflatedBody) Close() error {
	err := b.gz.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
