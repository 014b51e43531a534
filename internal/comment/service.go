package comment

import (
	"context"
	defError "errors"
	"fmt"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrBadAnchor marks a thread anchor that is empty or outside the text.
	ErrBadAnchor = defError.New("anchor empty or out of range")
	// ErrNotASuggestion marks an accept on a plain comment thread.
	ErrNotASuggestion = defError.New("thread is not a suggestion")
)

// ContentApplier applies a mutation to the live replicated state of a
// document when an editing session is active, distributing the resulting
// update to connected editors. Returns false when no session holds the
// document. Implementations must not remap anchors; the caller does.
type ContentApplier interface {
	ApplyLocal(ctx context.Context, docID uuid.UUID, mutate func(store *crdt.Store) error) (bool, error)
}

type CreateThreadRequest struct {
	Start         int
	End           int
	Content       string
	IsSuggestion  bool
	SuggestedText string
}

// ThreadDTO is a root comment with its replies in creation order.
type ThreadDTO struct {
	ThreadID uuid.UUID        `json:"thread_id"`
	Anchor   Anchor           `json:"anchor"`
	Root     domain.Comment   `json:"root"`
	Replies  []domain.Comment `json:"replies"`
}

type Service interface {
	CreateThread(ctx context.Context, docID uuid.UUID, userID uint64, req CreateThreadRequest) (*domain.Comment, error)
	Reply(ctx context.Context, threadID uuid.UUID, userID uint64, content string) (*domain.Comment, error)
	ListThreads(ctx context.Context, docID uuid.UUID, userID uint64) ([]ThreadDTO, error)
	UpdateComment(ctx context.Context, commentID uuid.UUID, userID uint64, content string) (*domain.Comment, error)
	ResolveThread(ctx context.Context, threadID uuid.UUID, userID uint64, resolved bool) error
	AcceptSuggestion(ctx context.Context, threadID uuid.UUID, userID uint64) error
	DeleteThread(ctx context.Context, threadID uuid.UUID, userID uint64) error

	RemapOnEdits(ctx context.Context, docID uuid.UUID, edits []crdt.Edit) error
}

type DefaultService struct {
	repository CommentRepository
	documents  document.Service
	applier    ContentApplier
}

func NewService(repository CommentRepository, documents document.Service) *DefaultService {
	return &DefaultService{repository: repository, documents: documents}
}

// SetApplier wires the live-session applier after construction; the hub and
// this service reference each other, so one side is attached late.
func (s *DefaultService) SetApplier(applier ContentApplier) {
	s.applier = applier
}

func (s *DefaultService) CreateThread(ctx context.Context, docID uuid.UUID, userID uint64, req CreateThreadRequest) (*domain.Comment, error) {
	doc, err := s.documents.GetDocument(ctx, docID, userID)
	if err != nil {
		return nil, err
	}

	docLen := doc.Delta.Length()
	if req.Start < 0 || req.Start >= req.End || req.End > docLen {
		return nil, errors.UnprocessableEntity(
			fmt.Sprintf("Anchor [%d, %d) is empty or outside the text", req.Start, req.End),
			ErrBadAnchor,
		)
	}
	if req.IsSuggestion && req.SuggestedText == "" {
		return nil, errors.UnprocessableEntity("Suggestion needs replacement text", nil)
	}

	comment := &domain.Comment{
		DocID:        docID,
		UserID:       userID,
		ThreadID:     uuid.New(),
		Content:      req.Content,
		StartOffset:  req.Start,
		EndOffset:    req.End,
		IsSuggestion: req.IsSuggestion,
	}
	if req.IsSuggestion {
		text := req.SuggestedText
		comment.SuggestedText = &text
	}
	if err := s.repository.Create(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}

func (s *DefaultService) Reply(ctx context.Context, threadID uuid.UUID, userID uint64, content string) (*domain.Comment, error) {
	root, err := s.threadRoot(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if _, err := s.documents.GetDocument(ctx, root.DocID, userID); err != nil {
		return nil, err
	}

	// replies carry no anchor of their own, the root owns the range
	reply := &domain.Comment{
		DocID:           root.DocID,
		UserID:          userID,
		ThreadID:        threadID,
		ParentCommentID: &root.ID,
		Content:         content,
	}
	if err := s.repository.Create(ctx, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *DefaultService) ListThreads(ctx context.Context, docID uuid.UUID, userID uint64) ([]ThreadDTO, error) {
	if _, err := s.documents.GetDocument(ctx, docID, userID); err != nil {
		return nil, err
	}

	comments, err := s.repository.ListByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	byThread := map[uuid.UUID]*ThreadDTO{}
	order := []uuid.UUID{}
	for _, c := range comments {
		dto, ok := byThread[c.ThreadID]
		if !ok {
			dto = &ThreadDTO{ThreadID: c.ThreadID}
			byThread[c.ThreadID] = dto
			order = append(order, c.ThreadID)
		}
		if c.ParentCommentID == nil {
			dto.Root = c
			dto.Anchor = Anchor{Start: c.StartOffset, End: c.EndOffset}
		} else {
			dto.Replies = append(dto.Replies, c)
		}
	}

	threads := make([]ThreadDTO, 0, len(order))
	for _, id := range order {
		threads = append(threads, *byThread[id])
	}
	return threads, nil
}

func (s *DefaultService) UpdateComment(ctx context.Context, commentID uuid.UUID, userID uint64, content string) (*domain.Comment, error) {
	comment, err := s.repository.FindByID(ctx, commentID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Comment not found", err)
		}
		return nil, err
	}
	if comment.UserID != userID {
		return nil, errors.Forbidden("Only the author can edit a comment", nil)
	}
	if err := s.repository.UpdateFields(ctx, commentID, map[string]any{"content": content}); err != nil {
		return nil, err
	}
	comment.Content = content
	return comment, nil
}

func (s *DefaultService) ResolveThread(ctx context.Context, threadID uuid.UUID, userID uint64, resolved bool) error {
	root, err := s.threadRoot(ctx, threadID)
	if err != nil {
		return err
	}

	if root.UserID != userID {
		_, access, err := s.documents.AccessFor(ctx, root.DocID, userID)
		if err != nil {
			return err
		}
		if access != document.AccessWrite {
			return errors.Forbidden("Only the author or an editor can resolve a thread", nil)
		}
	}
	return s.repository.SetThreadResolved(ctx, threadID, resolved)
}

// AcceptSuggestion replaces the anchored range with the suggested text,
// remaps every other anchor on the document across the replacement edit and
// resolves the thread. When an editing session is live the edit flows
// through it so connected editors converge on the same update.
func (s *DefaultService) AcceptSuggestion(ctx context.Context, threadID uuid.UUID, userID uint64) error {
	root, err := s.threadRoot(ctx, threadID)
	if err != nil {
		return err
	}
	if !root.IsSuggestion || root.SuggestedText == nil {
		return errors.UnprocessableEntity("Thread is not a suggestion", ErrNotASuggestion)
	}
	if root.Resolved {
		return errors.Conflict("Suggestion is already resolved", nil)
	}

	_, access, err := s.documents.AccessFor(ctx, root.DocID, userID)
	if err != nil {
		return err
	}
	if access != document.AccessWrite {
		return errors.Forbidden("No write access to this document", nil)
	}

	anchor := Anchor{Start: root.StartOffset, End: root.EndOffset}
	replacement := *root.SuggestedText

	mutate := func(store *crdt.Store) error {
		if anchor.End > store.Len() {
			return errors.Conflict("Suggestion anchor no longer fits the text", ErrBadAnchor)
		}
		if !anchor.Collapsed() {
			if _, err := store.Delete(anchor.Start, anchor.End-anchor.Start); err != nil {
				return err
			}
		}
		if replacement != "" {
			if _, err := store.Insert(anchor.Start, replacement, nil); err != nil {
				return err
			}
		}
		return nil
	}

	handled := false
	if s.applier != nil {
		if handled, err = s.applier.ApplyLocal(ctx, root.DocID, mutate); err != nil {
			return err
		}
	}
	if !handled {
		if _, err := s.documents.MutateContent(ctx, root.DocID, mutate); err != nil {
			return err
		}
	}

	edits := replacementEdits(anchor, replacement)
	if err := s.remapOthers(ctx, root.DocID, root.ThreadID, edits); err != nil {
		return err
	}

	newEnd := anchor.Start + len([]rune(replacement))
	if err := s.repository.UpdateFields(ctx, root.ID, map[string]any{
		"start_offset": anchor.Start,
		"end_offset":   newEnd,
	}); err != nil {
		return err
	}
	return s.repository.SetThreadResolved(ctx, root.ThreadID, true)
}

// replacementEdits expresses "replace [start,end) with text" as the edit
// sequence anchors are remapped over.
func replacementEdits(anchor Anchor, text string) []crdt.Edit {
	var edits []crdt.Edit
	if !anchor.Collapsed() {
		edits = append(edits, crdt.Edit{Kind: crdt.EditDelete, Pos: anchor.Start, Len: anchor.End - anchor.Start})
	}
	if n := len([]rune(text)); n > 0 {
		edits = append(edits, crdt.Edit{Kind: crdt.EditInsert, Pos: anchor.Start, Len: n, Text: text})
	}
	return edits
}

func (s *DefaultService) DeleteThread(ctx context.Context, threadID uuid.UUID, userID uint64) error {
	root, err := s.threadRoot(ctx, threadID)
	if err != nil {
		return err
	}

	if root.UserID != userID {
		doc, _, err := s.documents.AccessFor(ctx, root.DocID, userID)
		if err != nil {
			return err
		}
		if doc.OwnerID != userID {
			return errors.Forbidden("Only the author or the owner can delete a thread", nil)
		}
	}
	return s.repository.DeleteThread(ctx, threadID)
}

// RemapOnEdits shifts every thread anchor on the document across a batch of
// applied edits. Called synchronously after each update is integrated so
// anchors never lag the text they annotate.
func (s *DefaultService) RemapOnEdits(ctx context.Context, docID uuid.UUID, edits []crdt.Edit) error {
	return s.remapOthers(ctx, docID, uuid.Nil, edits)
}

// remapOthers shifts every thread root on the document in one transaction,
// so an error mid-batch leaves no anchor half-moved.
func (s *DefaultService) remapOthers(ctx context.Context, docID uuid.UUID, skipThread uuid.UUID, edits []crdt.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	return s.repository.WithinTransaction(ctx, func(tx CommentRepository) error {
		roots, err := tx.ListThreadRoots(ctx, docID)
		if err != nil {
			return err
		}
		for _, root := range roots {
			if root.ThreadID == skipThread {
				continue
			}
			anchor := Anchor{Start: root.StartOffset, End: root.EndOffset}
			moved := anchor.RemapAll(edits)
			if moved == anchor {
				continue
			}
			err := tx.UpdateFields(ctx, root.ID, map[string]any{
				"start_offset": moved.Start,
				"end_offset":   moved.End,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DefaultService) threadRoot(ctx context.Context, threadID uuid.UUID) (*domain.Comment, error) {
	root, err := s.repository.FindThreadRoot(ctx, threadID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Thread not found", err)
		}
		return nil, err
	}
	return root, nil
}
