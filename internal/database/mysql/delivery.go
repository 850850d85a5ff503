package mysql

import (
	"context"
	"database/sql"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// mysql duplicate entry error number
const erDupEntry = 1062

type delivery struct {
	db *sql.DB
}

func NewDelivery(db *sql.DB) database.DeliveryRepo {
	return &delivery{
		db: db,
	}
}

// Record relies on the (commit_id, kind) unique key: the first writer wins,
// every redelivery collides and reports stale.
func (d *delivery) Record(ctx context.Context, commitID string, kind v1alpha1.PipelineKind) (bool, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO delivery (commit_id, kind, created_at) VALUES (?, ?, ?)`,
		commitID,
		kind,
		time.Now().Unix(),
	)
	if err != nil {
		var me *driver.MySQLError
		if errors.As(err, &me) && me.Number == erDupEntry {
			return false, nil
		}
		return false, errors.Wrap(err, "fail record delivery")
	}
	return true, nil
}
