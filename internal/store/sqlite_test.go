package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/model"
)

func newTestSQLite(t *testing.T) (*SQLitePersister, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livechat.db")
	p, err := NewSQLitePersister(path)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, path
}

func TestSQLitePersister_RoundTrip(t *testing.T) {
	p, path := newTestSQLite(t)
	clock := newFakeClock(100)
	s := newTestStore(clock, WithPersister(p, time.Second))
	ctx := t.Context()

	th, err := s.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	clock.Set(110)
	_, _, err = s.AppendMessage(ctx, th.ID, model.Message{
		Role:     model.RoleUser,
		Content:  "my invoice is wrong",
		DedupKey: "k1",
		ClientID: "widget-1",
		Attachment: &model.Attachment{
			URL:      "https://files.example.com/invoice.pdf",
			Name:     "invoice.pdf",
			MimeType: "application/pdf",
			Size:     2048,
		},
	})
	require.NoError(t, err)

	clock.Set(120)
	_, _, err = s.SetStatus(ctx, th.ID, model.StatusResolved, &model.Resolution{
		QueryType: "complaint", Category: "billing", SubCategory: "invoice",
	})
	require.NoError(t, err)

	clock.Set(130)
	_, _, err = s.SetStatus(ctx, th.ID, model.StatusOpen, nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())

	reopened, err := NewSQLitePersister(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := newTestStore(clock, WithPersister(reopened, time.Second))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := restored.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.True(t, got.WasReopened)
	assert.Equal(t, time.Unix(130, 0).UTC(), got.LastActivity)
	assert.Equal(t, time.Unix(100, 0).UTC(), got.CreatedAt)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, time.Unix(120, 0).UTC(), *got.ResolvedAt)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "billing", got.Resolution.Category)

	require.Len(t, got.Messages, 1)
	msg := got.Messages[0]
	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, "my invoice is wrong", msg.Content)
	assert.Equal(t, "k1", msg.DedupKey)
	assert.Equal(t, "widget-1", msg.ClientID)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "invoice.pdf", msg.Attachment.Name)
	assert.Equal(t, time.Unix(110, 0).UTC(), msg.CreatedAt)
}

func TestSQLitePersister_DuplicateKeyRejected(t *testing.T) {
	p, _ := newTestSQLite(t)
	ctx := t.Context()

	th := model.Thread{
		ID:           "t1",
		Status:       model.StatusOpen,
		CreatedAt:    time.Unix(1, 0),
		LastActivity: time.Unix(1, 0),
	}
	require.NoError(t, p.SaveThread(ctx, &th))

	msg := model.Message{ThreadID: "t1", Position: 0, ID: "m1", DedupKey: "k", Role: model.RoleUser, Content: "x", CreatedAt: time.Unix(2, 0)}
	require.NoError(t, p.AppendMessage(ctx, &th, &msg))

	msg.Position = 1
	msg.ID = "m2"
	assert.Error(t, p.AppendMessage(ctx, &th, &msg))

	threads, err := p.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Len(t, threads[0].Messages, 1)
}
