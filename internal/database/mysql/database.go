package mysql

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/relay-ci/relay/internal/common"
)

func NewDB(conf *common.Mysql) (*sql.DB, error) {
	connStr := fmt.Sprintf("%s:%s@tcp(%s)/%s", conf.User, conf.Password, conf.Host, conf.Database)
	return sql.Open("mysql", connStr)
}
