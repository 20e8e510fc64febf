package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{Window: 5 * time.Minute, MaxFails: 3, BlockFor: 10 * time.Minute}

func newPG(t *testing.T) (*PG, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	l := NewPG(mock, testPolicy)
	l.now = func() time.Time { return now }
	return l, mock, now
}

func TestPG_Allow(t *testing.T) {
	l, mock, now := newPG(t)
	ctx := context.Background()
	h := HashIP("10.0.0.1")
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=\$1 AND ip_hash=\$2`

	mock.ExpectQuery(q).WithArgs("amina", h).WillReturnError(pgx.ErrNoRows)
	ok, wait, err := l.Allow(ctx, "amina", h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, wait)

	mock.ExpectQuery(q).WithArgs("amina", h).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(4 * time.Minute)))
	ok, wait, err = l.Allow(ctx, "amina", h)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 4*time.Minute, wait)

	mock.ExpectQuery(q).WithArgs("amina", h).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(-time.Minute)))
	ok, _, err = l.Allow(ctx, "amina", h)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(q).WithArgs("amina", h).WillReturnError(errors.New("db boom"))
	ok, _, err = l.Allow(ctx, "amina", h)
	require.Error(t, err)
	require.False(t, ok)
}

func TestPG_FailureBlocksAtThreshold(t *testing.T) {
	l, mock, now := newPG(t)
	ctx := context.Background()
	h := HashIP("10.0.0.1")
	const q = `INSERT INTO auth_limiter .* RETURNING fail_count`

	mock.ExpectQuery(q).WithArgs("amina", h, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))
	blocked, _, err := l.Failure(ctx, "amina", h)
	require.NoError(t, err)
	require.False(t, blocked)

	mock.ExpectQuery(q).WithArgs("amina", h, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE auth_limiter SET blocked_until=\$3 WHERE username=\$1 AND ip_hash=\$2`).
		WithArgs("amina", h, now.Add(testPolicy.BlockFor)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	blocked, wait, err := l.Failure(ctx, "amina", h)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, testPolicy.BlockFor, wait)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_Success(t *testing.T) {
	l, mock, _ := newPG(t)
	h := HashIP("10.0.0.1")
	mock.ExpectExec(`INSERT INTO auth_limiter .* DO UPDATE SET fail_count=0`).
		WithArgs("amina", h).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, l.Success(context.Background(), "amina", h))
}

func TestMemory_LockoutAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	m := NewMemory(testPolicy, func() time.Time { return now })
	h := HashIP("10.0.0.1")

	for i := 0; i < testPolicy.MaxFails-1; i++ {
		blocked, _, err := m.Failure(ctx, "amina", h)
		require.NoError(t, err)
		require.False(t, blocked)
	}
	blocked, wait, err := m.Failure(ctx, "amina", h)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, testPolicy.BlockFor, wait)

	ok, _, _ := m.Allow(ctx, "amina", h)
	require.False(t, ok)
	ok, _, _ = m.Allow(ctx, "amina", HashIP("10.0.0.2"))
	require.True(t, ok, "other addresses are unaffected")

	now = now.Add(testPolicy.BlockFor + time.Second)
	ok, _, _ = m.Allow(ctx, "amina", h)
	require.True(t, ok)

	require.NoError(t, m.Success(ctx, "amina", h))
	blocked, _, _ = m.Failure(ctx, "amina", h)
	require.False(t, blocked)
}

func TestMemory_WindowExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	m := NewMemory(testPolicy, func() time.Time { return now })
	h := HashIP("10.0.0.1")

	_, _, _ = m.Failure(ctx, "amina", h)
	_, _, _ = m.Failure(ctx, "amina", h)
	now = now.Add(testPolicy.Window + time.Second)
	blocked, _, _ := m.Failure(ctx, "amina", h)
	require.False(t, blocked, "old failures fall out of the window")
}

func TestHashIP_Determinism(t *testing.T) {
	t.Parallel()
	a := HashIP("1.2.3.4:123")
	require.Equal(t, a, HashIP("1.2.3.4:123"))
	require.NotEqual(t, a, HashIP("5.6.7.8:321"))
	require.Len(t, a, 32)
}
