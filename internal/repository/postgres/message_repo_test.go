package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
)

var messageCols = []string{"id", "conversation_id", "sender_id", "content", "attachment", "created_at", "is_read"}

func TestMessageRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO messages \(conversation_id, sender_id, content, attachment\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id, created_at`).
		WithArgs(int64(7), int64(10), "hello", "").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(100), now))
	m := &model.Message{ConversationID: 7, SenderID: 10, Content: "hello"}
	require.NoError(t, r.Create(context.Background(), m))
	require.Equal(t, int64(100), m.ID)
	require.Equal(t, now, m.Timestamp)
}

func TestMessageRepo_ListByConversation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, conversation_id, sender_id, content, attachment, created_at, is_read FROM messages WHERE conversation_id=\$1 ORDER BY created_at, id`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(messageCols).
			AddRow(int64(1), int64(7), int64(10), "first", "", now, true).
			AddRow(int64(2), int64(7), int64(42), "second", "/media/a.pdf", now, false))
	ms, err := r.ListByConversation(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, "first", ms[0].Content)
	require.Equal(t, "/media/a.pdf", ms[1].Attachment)

	mock.ExpectQuery(`SELECT .* FROM messages WHERE conversation_id=\$1`).
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows(messageCols))
	ms, err = r.ListByConversation(context.Background(), 8)
	require.NoError(t, err)
	require.NotNil(t, ms)
	require.Empty(t, ms)
}

func TestMessageRepo_LastAndGet(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM messages WHERE conversation_id=\$1 ORDER BY created_at DESC, id DESC LIMIT 1`).
		WithArgs(int64(7)).
		WillReturnError(pgx.ErrNoRows)
	_, err := r.Last(ctx, 7)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`SELECT .* FROM messages WHERE id=\$1`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(messageCols).AddRow(int64(2), int64(7), int64(42), "hi", "", time.Now(), false))
	m, err := r.GetByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(42), m.SenderID)
}

func TestMessageRepo_MarkRead(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectExec(`UPDATE messages SET is_read=true WHERE id=\$1`).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.MarkRead(context.Background(), 2))

	mock.ExpectExec(`UPDATE messages SET is_read=true WHERE id=\$1`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.MarkRead(context.Background(), 3), errs.ErrNotFound)
}
