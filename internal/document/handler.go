package document

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for documents
type Handler struct {
	service        Service
	maxUploadBytes int64
}

func NewHandler(service Service, maxUploadBytes int64) *Handler {
	return &Handler{service: service, maxUploadBytes: maxUploadBytes}
}

type FormCreateDocument struct {
	Identifier string `form:"identifier" json:"identifier" binding:"required,min=1,max=190"`
	Name       string `form:"name" json:"name" binding:"required"`
	Language   string `form:"language" json:"language" binding:"omitempty,langtag"`
	IsRoot     bool   `form:"isRoot" json:"isRoot"`
	RootID     string `form:"rootId" json:"rootId" binding:"omitempty,uuid"`
	Content    string `form:"content" json:"content"`
}

type FormPatchDocument struct {
	Identifier   *string  `json:"identifier" binding:"omitempty,min=1,max=190"`
	Name         *string  `json:"name"`
	IsPublic     *bool    `json:"isPublic"`
	Language     *string  `json:"language" binding:"omitempty,langtag"`
	IsRoot       *bool    `json:"isRoot"`
	RootID       *string  `json:"rootId" binding:"omitempty,uuid"`
	DetachRoot   bool     `json:"detachRoot"`
	Translations []string `json:"translations" binding:"omitempty,dive,uuid"`
}

type FormUpdateContent struct {
	State []byte `json:"state"`
	Delta []byte `json:"delta"`
}

type FormGrantPermission struct {
	Email    string `json:"email" binding:"required,email"`
	CanRead  bool   `json:"canRead"`
	CanWrite bool   `json:"canWrite"`
}

type FormCreateVersion struct {
	Label string `json:"label" binding:"required,min=1,max=120"`
}

func currentUserID(c *gin.Context) (uint64, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		c.Error(errors.Unauthorized("user not found", nil))
		return 0, false
	}
	return v.(uint64), true
}

func docIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(errors.BadRequest("Invalid document id", err))
		return uuid.Nil, false
	}
	return id, true
}

// CreateDocument handles both JSON bodies and multipart uploads; a "file"
// part seeds the initial text.
func (h *Handler) CreateDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var form FormCreateDocument
	var seed string

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		if err := c.ShouldBind(&form); err != nil {
			c.Error(errors.NewValidationError(err))
			return
		}
		text, err := h.readUpload(c)
		if err != nil {
			c.Error(err)
			return
		}
		seed = text
	} else {
		if err := c.ShouldBindJSON(&form); err != nil {
			c.Error(errors.NewValidationError(err))
			return
		}
		seed = form.Content
	}

	req := CreateDocumentRequest{
		Identifier: form.Identifier,
		Name:       form.Name,
		Language:   form.Language,
		IsRoot:     form.IsRoot,
		SeedText:   seed,
	}
	if form.RootID != "" {
		rootID, err := uuid.Parse(form.RootID)
		if err != nil {
			c.Error(errors.BadRequest("Invalid rootId", err))
			return
		}
		req.RootID = &rootID
	}

	doc, err := h.service.CreateDocument(c.Request.Context(), userID, req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

// readUpload pulls the optional "file" part, rejecting oversized or
// non-UTF-8 payloads before any state is built from them.
func (h *Handler) readUpload(c *gin.Context) (string, *errors.APIError) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		if err == http.ErrMissingFile {
			return "", nil
		}
		return "", errors.BadRequest("Can't read uploaded file", err)
	}
	if fileHeader.Size > h.maxUploadBytes {
		return "", errors.UnprocessableEntity("Uploaded file is too large", nil)
	}

	f, err := fileHeader.Open()
	if err != nil {
		return "", errors.Internal(err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return "", errors.Internal(err)
	}
	if int64(len(raw)) > h.maxUploadBytes {
		return "", errors.UnprocessableEntity("Uploaded file is too large", nil)
	}
	if !utf8.Valid(raw) {
		return "", errors.UnprocessableEntity("Uploaded file is not valid UTF-8 text", nil)
	}
	// normalize line endings so offsets are stable across platforms
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return text, nil
}

func (h *Handler) GetDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	doc, err := h.service.GetDocument(c.Request.Context(), docID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *Handler) ListDocuments(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	page, pageSize := utils.GetPaginationParams(c)

	result, err := h.service.ListDocuments(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) PatchDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	var form FormPatchDocument
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	req := PatchDocumentRequest{
		Identifier: form.Identifier,
		Name:       form.Name,
		IsPublic:   form.IsPublic,
		Language:   form.Language,
		IsRoot:     form.IsRoot,
		DetachRoot: form.DetachRoot,
	}
	if form.RootID != nil {
		rootID, err := uuid.Parse(*form.RootID)
		if err != nil {
			c.Error(errors.BadRequest("Invalid rootId", err))
			return
		}
		req.RootID = &rootID
	}
	for _, raw := range form.Translations {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.Error(errors.BadRequest("Invalid translation id", err))
			return
		}
		req.Translations = append(req.Translations, id)
	}

	doc, err := h.service.PatchDocument(c.Request.Context(), docID, userID, req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *Handler) UpdateContent(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	var form FormUpdateContent
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	if err := h.service.UpdateContent(c.Request.Context(), docID, userID, form.State, form.Delta); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Document content updated"})
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	if err := h.service.DeleteDocument(c.Request.Context(), docID, userID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}

func (h *Handler) GrantPermission(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	var form FormGrantPermission
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	perms, err := h.service.GrantPermission(c.Request.Context(), docID, userID, form.Email, form.CanRead, form.CanWrite)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, perms)
}

func (h *Handler) RevokePermission(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	targetID, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("Invalid user id", err))
		return
	}

	if err := h.service.RevokePermission(c.Request.Context(), docID, userID, targetID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Permission revoked"})
}

func (h *Handler) ListPermissions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	perms, err := h.service.ListPermissions(c.Request.Context(), docID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, perms)
}

func (h *Handler) CreateVersion(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	var form FormCreateVersion
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	version, err := h.service.CreateNamedVersion(c.Request.Context(), docID, userID, form.Label)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, version)
}

func (h *Handler) ListVersions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}

	versions, err := h.service.ListVersions(c.Request.Context(), docID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, versions)
}
