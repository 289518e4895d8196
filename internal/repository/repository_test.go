package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// setupMockDB 创建 sqlmock 驱动的 gorm 连接
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func pgError(code string) error {
	return fmt.Errorf("exec failed: %w", &pgconn.PgError{Code: code, Message: "test"})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"序列化失败", pgError("40001"), true},
		{"死锁", pgError("40P01"), true},
		{"连接失败", pgError("08006"), true},
		{"连接数耗尽", pgError("53300"), true},
		{"查询取消", pgError("57014"), true},
		{"磁盘满不重试", pgError("53100"), false},
		{"内存不足不重试", pgError("53200"), false},
		{"管理员关闭不重试", pgError("57P01"), false},
		{"唯一约束冲突不重试", pgError("23505"), false},
		{"普通错误", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryableError(tt.err))
		})
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, isDuplicateKeyError(pgError("23505")))
	assert.True(t, isDuplicateKeyError(errors.New(`duplicate key value violates unique constraint "uk_mission_player"`)))
	assert.False(t, isDuplicateKeyError(pgError("40001")))
	assert.False(t, isDuplicateKeyError(nil))
}

func TestMissionRepository_GetByAddress_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMissionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "missions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"address"}))

	_, err := repo.GetByAddress(context.Background(), "0xA1")
	assert.ErrorIs(t, err, ErrMissionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorRepository_Get_MissingRowIsZero(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCursorRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "indexer_factory_cursor"`)).
		WillReturnRows(sqlmock.NewRows([]string{"cursor_id", "sequence"}))

	seq, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorRepository_AdvanceTo_UsesGreatest(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCursorRepository(db)

	// 游标推进永不回退: upsert 用 GREATEST 合并
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "indexer_factory_cursor".*ON CONFLICT.*GREATEST`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	err := repo.AdvanceTo(context.Background(), 42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepository_AppendTransition_ConflictKeyIncludesChangedAt(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewHistoryRepository(db)

	// 冲突键带 changed_at: 多轮冷却里重复出现的 Active⇄Paused
	// 各自留痕，只有同一时刻的重放被抑制
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "mission_status_history".*ON CONFLICT \("mission_address","from_status","to_status","changed_at"\) DO NOTHING.*RETURNING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := repo.AppendTransition(context.Background(), "0xA1", model.StatusEnrolling, model.StatusArming)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissionRepository_ListWatchable_IncludesUnsettledFailed(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMissionRepository(db)

	// 重启后未定格的 Failed 也要回到观察集，退款重试才能恢复
	mock.ExpectQuery(`SELECT \* FROM "missions" WHERE status < \$1 OR \(status = \$2 AND finalized = false\)`).
		WithArgs(int16(model.StatusSuccess), int16(model.StatusFailed)).
		WillReturnRows(sqlmock.NewRows([]string{"address", "status", "finalized"}).
			AddRow("0xA1", int16(model.StatusEnrolling), false).
			AddRow("0xB2", int16(model.StatusFailed), false))

	missions, err := repo.ListWatchable(context.Background())
	require.NoError(t, err)
	require.Len(t, missions, 2)
	assert.Equal(t, model.StatusFailed, missions[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
