package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// 接続プールの既定値。APIサーバーとワーカーがそれぞれ独立した
// プールを持つため、PostgreSQLのmax_connectionsに収まる控えめな値にしている。
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Open はPostgreSQLの接続プールを初期化して返す。
// sql.Openの時点ではネットワーク接続は確立されないため、
// 疎通確認が必要な場合は呼び出し側でdb.Ping()すること。
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return db, nil
}
