package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func cardRow(status core.CardStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "customer_id", "last4", "network", "status", "created_at"}).
		AddRow("card-1", "cust-1", "4242", "visa", string(status), time.Now())
}

func TestPostgresGetCard(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, customer_id, last4, network, status, created_at FROM cards WHERE id = $1`)).
		WithArgs("card-1").
		WillReturnRows(cardRow(core.CardActive))

	card, err := s.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, core.CardActive, card.Status)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, customer_id, last4, network, status, created_at FROM cards WHERE id = $1`)).
		WithArgs("card-2").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetCard(context.Background(), "card-2")
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithTx_FreezeCommits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("card-1").
		WillReturnRows(cardRow(core.CardActive))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE cards SET status = $1 WHERE id = $2`)).
		WithArgs(string(core.CardFrozen), "card-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		locked, err := tx.GetCardForUpdate(context.Background(), "card-1")
		if err != nil {
			return err
		}
		assert.Equal(t, core.CardActive, locked.Status)
		return tx.UpdateCardStatus(context.Background(), "card-1", core.CardFrozen)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE cards SET status = $1 WHERE id = $2`)).
		WithArgs(string(core.CardFrozen), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.UpdateCardStatus(context.Background(), "ghost", core.CardFrozen)
	})
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindOpenDisputeCase_NoRowsMeansNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM cases WHERE txn_id").
		WillReturnError(sql.ErrNoRows)

	c, err := s.FindOpenDisputeCase(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Nil(t, c)
	require.NoError(t, mock.ExpectationsWereMet())
}
