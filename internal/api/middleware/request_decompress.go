package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecompressedBytes caps inflated request bodies. Real Anthropic
// client requests stay far below this.
const maxDecompressedBytes = 128 << 20 // 128MiB

// Decompress transparently inflates gzip or zstd request bodies. Some
// clients send Content-Encoding: gzip and net/http does not decode
// request bodies, so JSON binding would otherwise see compressed bytes.
func Decompress() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		var reader io.ReadCloser
		var err error
		switch {
		case enc == "":
			c.Next()
			return
		case strings.Contains(enc, "gzip"):
			reader, err = gzip.NewReader(c.Request.Body)
		case strings.Contains(enc, "zstd"):
			var dec *zstd.Decoder
			dec, err = zstd.NewReader(c.Request.Body)
			if err == nil {
				reader = dec.IOReadCloser()
			}
		default:
			c.Next()
			return
		}
		if err != nil {
			badRequest(c, "invalid compressed request body")
			return
		}
		defer func() {
			_ = reader.Close()
		}()

		decoded, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
		if err != nil {
			badRequest(c, "failed to decompress request body")
			return
		}
		if int64(len(decoded)) > maxDecompressedBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "invalid_request_error",
					"message": "decompressed request body too large",
				},
			})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "invalid_request_error",
			"message": message,
		},
	})
}
