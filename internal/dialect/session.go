package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/gateway-fm/dbload/pkg/types"
)

// sqlSession is a Session over one database/sql connection.
type sqlSession struct {
	conn    *sql.Conn
	dialect *Dialect
	tx      *sql.Tx
}

// queryer is satisfied by both *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlSession) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// reader returns the open transaction, or the bare connection.
func (s *sqlSession) reader() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *sqlSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *sqlSession) Insert(ctx context.Context, threadID, payload string) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	args := []any{threadID, InsertValue(threadID), payload}

	if s.dialect.IDStrategy == IDReturning {
		var id int64
		if err := tx.QueryRowContext(ctx, s.dialect.Statements.Insert, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		return id, nil
	}

	res, err := tx.ExecContext(ctx, s.dialect.Statements.Insert, args...)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert id: %w", err)
	}
	return id, nil
}

func (s *sqlSession) BatchInsert(ctx context.Context, threadID, payload string, n int) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.Statements.BatchInsert)
	if err != nil {
		return 0, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	value := InsertValue(threadID)
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, threadID, value, payload); err != nil {
			return 0, fmt.Errorf("batch insert row %d: %w", i, err)
		}
	}
	return n, nil
}

func (s *sqlSession) Select(ctx context.Context, id int64) (*types.Row, error) {
	var row types.Row
	var value sql.NullString
	err := s.reader().QueryRowContext(ctx, s.dialect.Statements.Select, id).Scan(&row.ID, &row.ThreadID, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	row.Value = value.String
	return &row, nil
}

func (s *sqlSession) RandomSelect(ctx context.Context, maxID int64) (*types.Row, error) {
	if maxID <= 0 {
		return nil, nil
	}
	return s.Select(ctx, RandomID(maxID))
}

func (s *sqlSession) Update(ctx context.Context, id int64) (bool, error) {
	return s.execAffected(ctx, "update", s.dialect.Statements.Update, UpdateValue(id), id)
}

func (s *sqlSession) Delete(ctx context.Context, id int64) (bool, error) {
	return s.execAffected(ctx, "delete", s.dialect.Statements.Delete, id)
}

func (s *sqlSession) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n > 0, nil
}

func (s *sqlSession) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.reader().QueryRowContext(ctx, s.dialect.Statements.MaxID).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	return id, nil
}

func (s *sqlSession) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlSession) Rollback() {
	if s.tx == nil {
		return
	}
	_ = s.tx.Rollback()
	s.tx = nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
