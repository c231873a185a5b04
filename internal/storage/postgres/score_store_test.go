package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/veriweb/veriweb/internal/evidence"
)

func TestGetClaimScoreMissIsNotAnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM claim_scores").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{
			"claim_id", "support", "preponderance", "supports", "refutes", "related", "computed_at",
		}))

	_, found, err := store.GetClaimScore(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutAndGetClaimScore(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	score := evidence.ClaimScore{
		ClaimID:       5,
		Support:       0.21,
		Preponderance: 0.5,
		Supports:      1,
		Refutes:       1,
		Related:       0,
		ComputedAt:    now,
	}

	mock.ExpectExec("INSERT INTO claim_scores").
		WithArgs(score.ClaimID, score.Support, score.Preponderance,
			score.Supports, score.Refutes, score.Related, score.ComputedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutClaimScore(context.Background(), score))

	mock.ExpectQuery("FROM claim_scores").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{
			"claim_id", "support", "preponderance", "supports", "refutes", "related", "computed_at",
		}).AddRow(int64(5), 0.21, 0.5, 1, 1, 0, now))

	got, found, err := store.GetClaimScore(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, score, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteClaimScore(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM claim_scores").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteClaimScore(context.Background(), 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContentScoreRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	score := evidence.ContentScore{ContentID: 8, Support: -0.1, Claims: 3, ComputedAt: now}

	mock.ExpectExec("INSERT INTO content_scores").
		WithArgs(score.ContentID, score.Support, score.Claims, score.ComputedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutContentScore(context.Background(), score))

	mock.ExpectQuery("FROM content_scores").
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows([]string{"content_id", "support", "claims", "computed_at"}).
			AddRow(int64(8), -0.1, 3, now))

	got, found, err := store.GetContentScore(context.Background(), 8)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, score, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
