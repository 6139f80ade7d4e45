package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// DefaultBrotliMinLength is the smallest body worth compressing.
const DefaultBrotliMinLength = 1024

// brotliWriter buffers the body until it reaches minLength, then switches to
// brotli. Smaller bodies are written uncompressed when the handler returns.
type brotliWriter struct {
	gin.ResponseWriter
	pool       *sync.Pool
	enc        *brotli.Writer
	buf        []byte
	minLength  int
	compressed bool
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.compressed {
		return bw.enc.Write(data)
	}
	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}

	bw.compressed = true
	h := bw.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	bw.enc = bw.pool.Get().(*brotli.Writer)
	bw.enc.Reset(bw.ResponseWriter)
	if _, err := bw.enc.Write(bw.buf); err != nil {
		return 0, err
	}
	bw.buf = nil
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// finish writes whatever is left and returns the encoder to the pool.
func (bw *brotliWriter) finish() error {
	if !bw.compressed {
		if len(bw.buf) == 0 {
			return nil
		}
		_, err := bw.ResponseWriter.Write(bw.buf)
		return err
	}
	err := bw.enc.Close()
	bw.enc.Reset(io.Discard)
	bw.pool.Put(bw.enc)
	return err
}

// Brotli compresses large responses for clients that accept "br". It is
// meant for JSON endpoints; WebSocket upgrades pass through untouched.
func Brotli(quality, minLength int) gin.HandlerFunc {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		quality = brotli.DefaultCompression
	}
	if minLength <= 0 {
		minLength = DefaultBrotliMinLength
	}
	pool := &sync.Pool{New: func() interface{} {
		return brotli.NewWriterLevel(io.Discard, quality)
	}}

	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		bw := &brotliWriter{ResponseWriter: c.Writer, pool: pool, minLength: minLength}
		c.Writer = bw
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name := strings.TrimSpace(strings.SplitN(enc, ";", 2)[0])
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
