// Package handlers exposes the coin and grain analysis services and the
// worker admin endpoints over gin.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxUploadSize bounds the accepted image size in bytes.
const MaxUploadSize = 32 << 20

var errResponded = errors.New("response already written")

// readImage loads the multipart "image" field. On failure the response has
// already been written.
func readImage(c *gin.Context) ([]byte, error) {
	if c.Request.ContentLength > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, errResponded
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, errResponded
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, errResponded
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, errResponded
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, errResponded
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, errResponded
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is empty"})
		return nil, errResponded
	}
	if strings.HasPrefix(http.DetectContentType(data), "text/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, errResponded
	}
	return data, nil
}
