// Knowledge-base HTTP handlers.
//
// This file exposes REST endpoints for knowledge bases and their files:
//   - POST   /knowledge                    (create)
//   - GET    /knowledge                    (list)
//   - GET    /knowledge/{id}               (detail)
//   - PUT    /knowledge/{id}               (rename)
//   - DELETE /knowledge/{id}               (delete, cascades)
//   - POST   /knowledge/{id}/files         (multipart upload, async ingest)
//   - GET    /knowledge/{id}/files         (list, pollable statuses)
//   - GET    /knowledge/{id}/files/{fid}   (single file status)
//   - DELETE /knowledge/{id}/files/{fid}   (delete)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rag-backend/internal/services"
)

// KnowledgeBaseRequest is the JSON payload for creating or renaming a base.
type KnowledgeBaseRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=255"`
	Description string `json:"description" binding:"max=2000"`
}

// CreateKnowledgeBase registers a new knowledge base.
func (h *Handlers) CreateKnowledgeBase(c *gin.Context) {
	var req KnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name is required (1-255 chars)")
		return
	}
	kb, err := h.kbSvc.CreateKnowledgeBase(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, kb)
}

// ListKnowledgeBases returns all knowledge bases.
func (h *Handlers) ListKnowledgeBases(c *gin.Context) {
	items, err := h.kbSvc.ListKnowledgeBases(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"knowledge_bases": items})
}

// GetKnowledgeBase returns one knowledge base with its collection stats.
func (h *Handlers) GetKnowledgeBase(c *gin.Context) {
	kb, err := h.kbSvc.DescribeKnowledgeBase(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrKnowledgeBaseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, kb)
}

// UpdateKnowledgeBase renames a knowledge base.
func (h *Handlers) UpdateKnowledgeBase(c *gin.Context) {
	var req KnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name is required (1-255 chars)")
		return
	}
	kb, err := h.kbSvc.UpdateKnowledgeBase(c.Request.Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		if errors.Is(err, services.ErrKnowledgeBaseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, kb)
}

// DeleteKnowledgeBase removes a base and everything referencing it:
// conversation references are cleared, the collection is dropped, the cached
// retriever is invalidated.
func (h *Handlers) DeleteKnowledgeBase(c *gin.Context) {
	if err := h.kbSvc.DeleteKnowledgeBase(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, services.ErrKnowledgeBaseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// UploadKnowledgeFile accepts a multipart upload (form field "file"),
// registers it with status pending, and schedules background ingestion. The
// client polls the file's status for progress.
func (h *Handlers) UploadKnowledgeFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `multipart field "file" is required`)
		return
	}
	src, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeUploadFailed, "could not read upload")
		return
	}
	defer src.Close()

	file, err := h.kbSvc.UploadFile(c.Request.Context(), c.Param("id"), fh.Filename, fh.Size, src)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrKnowledgeBaseNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
		case errors.Is(err, services.ErrUnsupportedFileType):
			fail(c, http.StatusUnsupportedMediaType, ErrCodeUnsupportedFile, err.Error())
		case errors.Is(err, services.ErrEmptyFile):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusAccepted, file)
}

// ListKnowledgeFiles returns a base's files with their ingestion statuses.
func (h *Handlers) ListKnowledgeFiles(c *gin.Context) {
	files, err := h.kbSvc.ListFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrKnowledgeBaseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"files": files})
}

// GetKnowledgeFile returns one file row; clients poll this for status.
func (h *Handlers) GetKnowledgeFile(c *gin.Context) {
	file, err := h.kbSvc.GetFile(c.Request.Context(), c.Param("id"), c.Param("fid"))
	if err != nil {
		if errors.Is(err, services.ErrFileNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, file)
}

// DeleteKnowledgeFile removes one file and refreshes the base's counter.
func (h *Handlers) DeleteKnowledgeFile(c *gin.Context) {
	if err := h.kbSvc.DeleteFile(c.Request.Context(), c.Param("id"), c.Param("fid")); err != nil {
		if errors.Is(err, services.ErrFileNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
