package comment

import (
	"context"
	defError "errors"
	"net/http"
	"testing"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeCommentRepo struct {
	comments map[uuid.UUID]domain.Comment

	updateCalls  int
	failUpdateAt int // fail the nth UpdateFields call, 0 disables
}

func newFakeCommentRepo() *fakeCommentRepo {
	return &fakeCommentRepo{comments: map[uuid.UUID]domain.Comment{}}
}

// WithinTransaction snapshots the map and restores it when fn fails,
// mirroring a database rollback.
func (r *fakeCommentRepo) WithinTransaction(ctx context.Context, fn func(CommentRepository) error) error {
	comments := make(map[uuid.UUID]domain.Comment, len(r.comments))
	for k, v := range r.comments {
		comments[k] = v
	}
	if err := fn(r); err != nil {
		r.comments = comments
		return err
	}
	return nil
}

func (r *fakeCommentRepo) Create(ctx context.Context, comment *domain.Comment) error {
	if comment.ID == uuid.Nil {
		comment.ID = uuid.New()
	}
	r.comments[comment.ID] = *comment
	return nil
}

func (r *fakeCommentRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Comment, error) {
	c, ok := r.comments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := c
	return &out, nil
}

func (r *fakeCommentRepo) FindThreadRoot(ctx context.Context, threadID uuid.UUID) (*domain.Comment, error) {
	for _, c := range r.comments {
		if c.ThreadID == threadID && c.ParentCommentID == nil {
			out := c
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeCommentRepo) ListByDocument(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error) {
	var out []domain.Comment
	for _, c := range r.comments {
		if c.DocID == docID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeCommentRepo) ListThreadRoots(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error) {
	var out []domain.Comment
	for _, c := range r.comments {
		if c.DocID == docID && c.ParentCommentID == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeCommentRepo) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	r.updateCalls++
	if r.failUpdateAt > 0 && r.updateCalls == r.failUpdateAt {
		return defError.New("simulated write failure")
	}
	c, ok := r.comments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "start_offset":
			c.StartOffset = v.(int)
		case "end_offset":
			c.EndOffset = v.(int)
		case "resolved":
			c.Resolved = v.(bool)
		case "content":
			c.Content = v.(string)
		}
	}
	r.comments[id] = c
	return nil
}

func (r *fakeCommentRepo) SetThreadResolved(ctx context.Context, threadID uuid.UUID, resolved bool) error {
	for id, c := range r.comments {
		if c.ThreadID == threadID {
			c.Resolved = resolved
			r.comments[id] = c
		}
	}
	return nil
}

func (r *fakeCommentRepo) DeleteThread(ctx context.Context, threadID uuid.UUID) error {
	for id, c := range r.comments {
		if c.ThreadID == threadID {
			delete(r.comments, id)
		}
	}
	return nil
}

// fakeDocs backs the comment service with one in-memory document. Only the
// methods the comment service touches are implemented; the embedded
// interface panics loudly if anything else gets called.
type fakeDocs struct {
	document.Service

	doc   domain.Document
	store *crdt.Store
}

func newFakeDocs(t *testing.T, ownerID uint64, text string) *fakeDocs {
	t.Helper()
	store := crdt.New("test")
	if text != "" {
		_, err := store.Insert(0, text, nil)
		require.NoError(t, err)
	}
	return &fakeDocs{
		doc: domain.Document{
			ID:      uuid.New(),
			OwnerID: ownerID,
			Name:    "Doc",
		},
		store: store,
	}
}

func (f *fakeDocs) GetDocument(ctx context.Context, docID uuid.UUID, userID uint64) (*document.DocumentResponse, error) {
	if docID != f.doc.ID {
		return nil, errors.NotFound("Document not found", nil)
	}
	return &document.DocumentResponse{
		ID:    f.doc.ID,
		Delta: crdt.ToDelta(f.store),
	}, nil
}

func (f *fakeDocs) AccessFor(ctx context.Context, docID uuid.UUID, userID uint64) (*domain.Document, document.Access, error) {
	if docID != f.doc.ID {
		return nil, document.AccessNone, errors.NotFound("Document not found", nil)
	}
	doc := f.doc
	if userID == f.doc.OwnerID {
		return &doc, document.AccessWrite, nil
	}
	return &doc, document.AccessRead, nil
}

func (f *fakeDocs) MutateContent(ctx context.Context, docID uuid.UUID, fn func(store *crdt.Store) error) (crdt.Delta, error) {
	if docID != f.doc.ID {
		return nil, errors.NotFound("Document not found", nil)
	}
	if err := fn(f.store); err != nil {
		return nil, err
	}
	return crdt.ToDelta(f.store), nil
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Status
}

func TestCreateThread_AnchorValidation(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	_, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 5, End: 5, Content: "empty"})
	assert.True(t, defError.Is(err, ErrBadAnchor))

	_, err = svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 0, End: 99, Content: "too far"})
	assert.True(t, defError.Is(err, ErrBadAnchor))

	comment, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 0, End: 5, Content: "greeting"})
	require.NoError(t, err)
	assert.Equal(t, 0, comment.StartOffset)
	assert.Equal(t, 5, comment.EndOffset)
	assert.NotEqual(t, uuid.Nil, comment.ThreadID)
}

func TestReply_ThreadNotFound(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)

	_, err := svc.Reply(context.Background(), uuid.New(), 1, "hi")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestReply_SharesThread(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	root, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 0, End: 5, Content: "root"})
	require.NoError(t, err)

	reply, err := svc.Reply(ctx, root.ThreadID, 2, "reply")
	require.NoError(t, err)
	assert.Equal(t, root.ThreadID, reply.ThreadID)
	require.NotNil(t, reply.ParentCommentID)
	assert.Equal(t, root.ID, *reply.ParentCommentID)

	threads, err := svc.ListThreads(ctx, docs.doc.ID, 1)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Len(t, threads[0].Replies, 1)
}

func TestUpdateComment_AuthorOnly(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	root, err := svc.CreateThread(ctx, docs.doc.ID, 2, CreateThreadRequest{Start: 0, End: 5, Content: "typo here"})
	require.NoError(t, err)

	_, err = svc.UpdateComment(ctx, root.ID, 1, "rewritten by someone else")
	assert.Equal(t, http.StatusForbidden, apiStatus(t, err))

	updated, err := svc.UpdateComment(ctx, root.ID, 2, "typo on line two")
	require.NoError(t, err)
	assert.Equal(t, "typo on line two", updated.Content)

	stored, err := repo.FindByID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "typo on line two", stored.Content)

	_, err = svc.UpdateComment(ctx, uuid.New(), 2, "gone")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestAcceptSuggestion_AppliesEdit(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	suggestion, err := svc.CreateThread(ctx, docs.doc.ID, 2, CreateThreadRequest{
		Start:         0,
		End:           5,
		Content:       "shorter greeting",
		IsSuggestion:  true,
		SuggestedText: "Hi",
	})
	require.NoError(t, err)

	// a plain comment on "world" that must follow the text as it shifts
	other, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 6, End: 11, Content: "planet?"})
	require.NoError(t, err)

	require.NoError(t, svc.AcceptSuggestion(ctx, suggestion.ThreadID, 1))

	assert.Equal(t, "Hi world", docs.store.Text())

	accepted, err := repo.FindThreadRoot(ctx, suggestion.ThreadID)
	require.NoError(t, err)
	assert.True(t, accepted.Resolved)
	assert.Equal(t, 0, accepted.StartOffset)
	assert.Equal(t, 2, accepted.EndOffset)

	moved, err := repo.FindThreadRoot(ctx, other.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 3, moved.StartOffset)
	assert.Equal(t, 8, moved.EndOffset)
}

func TestAcceptSuggestion_NotASuggestion(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	plain, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 0, End: 5, Content: "note"})
	require.NoError(t, err)

	err = svc.AcceptSuggestion(ctx, plain.ThreadID, 1)
	assert.True(t, defError.Is(err, ErrNotASuggestion))
}

func TestAcceptSuggestion_RequiresWriteAccess(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	suggestion, err := svc.CreateThread(ctx, docs.doc.ID, 2, CreateThreadRequest{
		Start: 0, End: 5, Content: "s", IsSuggestion: true, SuggestedText: "Hi",
	})
	require.NoError(t, err)

	// user 2 only reads in this fake
	err = svc.AcceptSuggestion(ctx, suggestion.ThreadID, 2)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, err))
	assert.Equal(t, "Hello world", docs.store.Text())
}

func TestRemapOnEdits_AllOrNothing(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world, again")
	svc := NewService(repo, docs)
	ctx := context.Background()

	first, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 6, End: 11, Content: "a"})
	require.NoError(t, err)
	second, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 13, End: 18, Content: "b"})
	require.NoError(t, err)

	// both anchors sit past the insertion point, so both rows get written;
	// the second write fails and the first must roll back with it
	repo.failUpdateAt = repo.updateCalls + 2
	err = svc.RemapOnEdits(ctx, docs.doc.ID, []crdt.Edit{{Kind: crdt.EditInsert, Pos: 0, Len: 3, Text: "Oi "}})
	require.Error(t, err)

	storedFirst, err := repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, Anchor{Start: 6, End: 11}, Anchor{Start: storedFirst.StartOffset, End: storedFirst.EndOffset})

	storedSecond, err := repo.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, Anchor{Start: 13, End: 18}, Anchor{Start: storedSecond.StartOffset, End: storedSecond.EndOffset})
}

func TestRemapOnEdits_CollapseKeepsThread(t *testing.T) {
	repo := newFakeCommentRepo()
	docs := newFakeDocs(t, 1, "Hello world")
	svc := NewService(repo, docs)
	ctx := context.Background()

	thread, err := svc.CreateThread(ctx, docs.doc.ID, 1, CreateThreadRequest{Start: 2, End: 5, Content: "note"})
	require.NoError(t, err)

	// the whole anchored range is deleted; the thread survives collapsed
	err = svc.RemapOnEdits(ctx, docs.doc.ID, []crdt.Edit{{Kind: crdt.EditDelete, Pos: 0, Len: 10}})
	require.NoError(t, err)

	root, err := repo.FindThreadRoot(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 0, root.StartOffset)
	assert.Equal(t, 0, root.EndOffset)
}
