package api

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"computeruse/internal/apperr"
	"computeruse/internal/bridge"
	"computeruse/internal/session"

	"github.com/gin-gonic/gin"
)

var (
	ErrArtifactsDisabled = fmt.Errorf("artifact recording is disabled: %w", apperr.ErrNotFound)
	ErrFrameNotFound     = fmt.Errorf("frame %w", apperr.ErrNotFound)
)

type JournalResponse struct {
	SessionID string                `json:"session_id"`
	Entries   []bridge.JournalEntry `json:"entries"`
	// 日志仍在写入时，最后一个 zstd frame 尚未结束，只返回已完整写出的部分
	Partial bool `json:"partial,omitempty"`
}

type ArtifactHandler struct {
	sessions *session.SessionManager
	store    *bridge.ArtifactStore
}

func NewArtifactHandler(sessions *session.SessionManager, store *bridge.ArtifactStore) *ArtifactHandler {
	return &ArtifactHandler{sessions: sessions, store: store}
}

// Journal GET /api/v1/sessions/:id/journal
func (h *ArtifactHandler) Journal(c *gin.Context) {
	id := c.Param("id")
	if _, err := ownedSession(c.Request.Context(), h.sessions, authContext(c), id); err != nil {
		abortWithError(c, err)
		return
	}
	if h.store == nil {
		abortWithError(c, ErrArtifactsDisabled)
		return
	}

	entries, err := h.store.ReadJournal(id)
	resp := JournalResponse{SessionID: id, Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []bridge.JournalEntry{}
	}
	if err != nil {
		slog.Warn("Journal read stopped early", "session_id", id, "entries", len(entries), "error", err)
		resp.Partial = true
	}
	c.JSON(http.StatusOK, resp)
}

// Frame GET /api/v1/sessions/:id/frames/:digest
func (h *ArtifactHandler) Frame(c *gin.Context) {
	id := c.Param("id")
	if _, err := ownedSession(c.Request.Context(), h.sessions, authContext(c), id); err != nil {
		abortWithError(c, err)
		return
	}
	if h.store == nil {
		abortWithError(c, ErrArtifactsDisabled)
		return
	}

	// 摘要是 32 字节 BLAKE3 的十六进制，也保证不会拼出其他路径
	sum := c.Param("digest")
	if raw, err := hex.DecodeString(sum); err != nil || len(raw) != 32 {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "digest must be 64 hex characters")
		return
	}

	path := h.store.FramePath(id, sum)
	if _, err := os.Stat(path); err != nil {
		abortWithError(c, ErrFrameNotFound)
		return
	}
	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(path)
}
