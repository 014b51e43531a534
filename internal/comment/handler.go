package comment

import (
	"net/http"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type FormCreateThread struct {
	Start         int    `json:"start" binding:"min=0"`
	End           int    `json:"end" binding:"min=0"`
	Content       string `json:"content" binding:"required"`
	IsSuggestion  bool   `json:"isSuggestion"`
	SuggestedText string `json:"suggestedText"`
}

type FormReply struct {
	Content string `json:"content" binding:"required"`
}

type FormUpdateComment struct {
	Content string `json:"content" binding:"required"`
}

type FormResolve struct {
	Resolved *bool `json:"resolved" binding:"required"`
}

func currentUserID(c *gin.Context) (uint64, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		c.Error(errors.Unauthorized("user not found", nil))
		return 0, false
	}
	return v.(uint64), true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.Error(errors.BadRequest("Invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) CreateThread(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var form FormCreateThread
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	comment, err := h.service.CreateThread(c.Request.Context(), docID, userID, CreateThreadRequest{
		Start:         form.Start,
		End:           form.End,
		Content:       form.Content,
		IsSuggestion:  form.IsSuggestion,
		SuggestedText: form.SuggestedText,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, comment)
}

func (h *Handler) ListThreads(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	threads, err := h.service.ListThreads(c.Request.Context(), docID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, threads)
}

func (h *Handler) Reply(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	threadID, ok := uuidParam(c, "threadId")
	if !ok {
		return
	}

	var form FormReply
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	reply, err := h.service.Reply(c.Request.Context(), threadID, userID, form.Content)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, reply)
}

func (h *Handler) UpdateComment(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	commentID, ok := uuidParam(c, "commentId")
	if !ok {
		return
	}

	var form FormUpdateComment
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	comment, err := h.service.UpdateComment(c.Request.Context(), commentID, userID, form.Content)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, comment)
}

func (h *Handler) ResolveThread(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	threadID, ok := uuidParam(c, "threadId")
	if !ok {
		return
	}

	var form FormResolve
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	if err := h.service.ResolveThread(c.Request.Context(), threadID, userID, *form.Resolved); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Thread updated"})
}

func (h *Handler) AcceptSuggestion(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	threadID, ok := uuidParam(c, "threadId")
	if !ok {
		return
	}

	if err := h.service.AcceptSuggestion(c.Request.Context(), threadID, userID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Suggestion applied"})
}

func (h *Handler) DeleteThread(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	threadID, ok := uuidParam(c, "threadId")
	if !ok {
		return
	}

	if err := h.service.DeleteThread(c.Request.Context(), threadID, userID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Thread deleted"})
}
