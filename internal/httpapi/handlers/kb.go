package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/kb-chat/internal/common"
)

// GetChunkDetail looks up metadata for one cited chunk.
func (h *Handler) GetChunkDetail(c *gin.Context) {
	datasetID := c.Param("dataset_id")
	documentID := c.Param("document_id")
	chunkID := c.Param("chunk_id")

	src, err := h.KB.GetChunk(c.Request.Context(), datasetID, documentID, chunkID)
	if err != nil {
		common.Fail(c, http.StatusBadGateway, 50201, "chunk lookup failed")
		return
	}
	common.OK(c, src)
}

var asciiUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// buildContentDisposition emits an attachment header with an ASCII fallback
// plus the RFC 5987 filename* form for non-ASCII names.
func buildContentDisposition(filename string) string {
	asciiName := strings.Trim(asciiUnsafe.ReplaceAllString(filename, "_"), "_")
	if asciiName == "" {
		asciiName = "document"
	}
	isASCII := true
	for _, r := range filename {
		if r > unicode.MaxASCII {
			isASCII = false
			break
		}
	}
	if isASCII {
		return fmt.Sprintf("attachment; filename=%q", filename)
	}
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", asciiName, url.PathEscape(filename))
}

// DownloadDocument proxies a cited document's bytes to the caller.
func (h *Handler) DownloadDocument(c *gin.Context) {
	datasetID := c.Param("dataset_id")
	documentID := c.Param("document_id")

	filename := "document"
	if doc, err := h.KB.GetDocument(c.Request.Context(), datasetID, documentID); err == nil {
		if name, ok := doc["document_name"].(string); ok && name != "" {
			filename = name
		} else if name, ok := doc["name"].(string); ok && name != "" {
			filename = name
		}
	}

	body, err := h.KB.DownloadDocument(c.Request.Context(), datasetID, documentID)
	if err != nil {
		common.Fail(c, http.StatusBadGateway, 50202, "document download failed")
		return
	}
	defer body.Close()

	c.Header("Content-Disposition", buildContentDisposition(filename))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, body)
}
