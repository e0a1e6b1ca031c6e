package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/jmoiron/sqlx"

	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/pkg/dbutil"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const setTenantSQL = `SELECT set_config('app.current_tenant', $1, true)`

// PostgresBackend opens tenant scoped transactions on dedicated connections.
// The tenant marker is transaction local, so it is gone once the tx ends.
type PostgresBackend struct {
	db           *sqlx.DB
	searchConfig string
}

func NewPostgresBackend(db *sqlx.DB, searchConfig string) *PostgresBackend {
	if searchConfig == "" {
		searchConfig = "english"
	}
	return &PostgresBackend{db: db, searchConfig: searchConfig}
}

func (b *PostgresBackend) Begin(ctx context.Context, tenantID string) (tenant.Tx, error) {
	conn, err := b.db.Connx(ctx)
	if err != nil {
		return nil, classifyConnErr("acquire connection", err)
	}
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, classifyConnErr("begin transaction", err)
	}
	if _, err := tx.ExecContext(ctx, setTenantSQL, tenantID); err != nil {
		t := &pgTx{conn: conn, tx: tx}
		_ = t.Rollback()
		return nil, classifyConnErr("set tenant scope", err)
	}
	return &pgTx{
		conn: conn,
		tx:   tx,
		sess: newPgSession(tx, tenantID, b.searchConfig),
	}, nil
}

func classifyConnErr(msg string, err error) error {
	if dbutil.IsTooManyConnections(err) {
		return appErr.Wrap(appErr.ErrResourceExhausted, "database connections exhausted", err)
	}
	return appErr.Wrap(appErr.ErrStorageFailed, msg, err)
}

type pgTx struct {
	conn *sqlx.Conn
	tx   *sqlx.Tx
	sess *pgSession
}

func (t *pgTx) Session() tenant.Session {
	return t.sess
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		t.discard()
		return err
	}
	return t.conn.Close()
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.discard()
		return err
	}
	_ = t.conn.Close()
	return err
}

// discard drops the connection from the pool instead of handing it back.
func (t *pgTx) discard() {
	_ = t.conn.Raw(func(interface{}) error {
		return driver.ErrBadConn
	})
	_ = t.conn.Close()
}
