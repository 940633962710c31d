package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"pgregory.net/rapid"

	"github.com/BaSui01/taskflow/types"
)

func TestCheckpoint_CloneIsDeep(t *testing.T) {
	t.Parallel()
	cp := sampleCheckpoint("c", "e", 1, StatusRunning)
	clone := cp.Clone()
	clone.WorkflowState["counter"] = float64(99)
	clone.CompletedNodes[0] = "changed"

	assert.Equal(t, float64(3), cp.WorkflowState["counter"])
	assert.Equal(t, "step1", cp.CompletedNodes[0])
}

func TestCheckpoint_TimeRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 250_000_000)
	cp := &Checkpoint{Timestamp: Timestamp(now)}
	assert.WithinDuration(t, now, cp.Time(), time.Microsecond)
}

func TestStatus_Resumable(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusRunning.Resumable())
	assert.True(t, StatusPaused.Resumable())
	assert.False(t, StatusFailed.Resumable())
	assert.False(t, StatusCompleted.Resumable())
}

// Cleanup with KeepLatest k on N records of one execution leaves exactly
// min(k, N) records, and they are the newest ones.
func TestMemoryStore_CleanupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		k := rapid.IntRange(0, 25).Draw(t, "k")
		stamps := rapid.SliceOfNDistinct(rapid.IntRange(1, 10_000), n, n, rapid.ID[int]).Draw(t, "stamps")

		ctx := context.Background()
		s := NewMemoryStore()
		for i, ts := range stamps {
			require.NoError(t, s.Save(ctx, &Checkpoint{
				CheckpointID: fmt.Sprintf("cp-%d", i),
				ExecutionID:  "exec",
				Timestamp:    float64(ts),
				Status:       StatusRunning,
			}))
		}

		_, err := s.Cleanup(ctx, CleanupOptions{KeepLatest: k})
		require.NoError(t, err)

		remaining, err := s.List(ctx, ListOptions{ExecutionID: "exec"})
		require.NoError(t, err)
		want := min(k, n)
		require.Len(t, remaining, want)

		sorted := append([]int(nil), stamps...)
		sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
		for i, cp := range remaining {
			assert.Equal(t, float64(sorted[i]), cp.Timestamp)
		}
	})
}

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *DBStore) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mock, &DBStore{db: gormDB, logger: zap.NewNop()}
}

func TestDBStore_LoadQueryFailure(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT \* FROM "checkpoints"`).WillReturnError(errors.New("connection reset"))

	_, err := store.Load(context.Background(), "cp-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCheckpointIO))
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_LoadNotFound(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT \* FROM "checkpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_id"}))

	_, err := store.Load(context.Background(), "cp-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsPathLikeIDs(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	err = s.Save(context.Background(), &Checkpoint{CheckpointID: "../escape", ExecutionID: "e"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
