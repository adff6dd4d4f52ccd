package dialect

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// postgresPartitions is the number of hash partitions of the PostgreSQL table.
const postgresPartitions = 16

// PostgreSQL targets PostgreSQL through pgx, or lib/pq with driver "postgres".
func PostgreSQL() *Dialect {
	create := `CREATE TABLE load_test (
    id BIGSERIAL PRIMARY KEY,
    thread_id VARCHAR(50) NOT NULL,
    value_col VARCHAR(200),
    random_data VARCHAR(1000),
    status VARCHAR(20) DEFAULT 'ACTIVE',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
) PARTITION BY HASH (id)`
	index := "CREATE INDEX idx_load_test_thread ON load_test(thread_id, created_at)"

	schema := []string{"DROP TABLE IF EXISTS load_test CASCADE", create}
	for i := 0; i < postgresPartitions; i++ {
		schema = append(schema, fmt.Sprintf(
			"CREATE TABLE load_test_p%02d PARTITION OF load_test FOR VALUES WITH (MODULUS %d, REMAINDER %d)",
			i, postgresPartitions, i))
	}
	schema = append(schema, index)

	return &Dialect{
		Name:        "postgresql",
		Aliases:     []string{"postgres", "pg"},
		Driver:      "pgx",
		AltDrivers:  []string{"postgres"},
		DefaultPort: 5432,
		BuildDSN: func(p Params) string {
			q := url.Values{}
			q.Set("sslmode", "disable")
			if p.ConnectTimeout > 0 {
				q.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
			}
			u := url.URL{
				Scheme:   "postgres",
				User:     url.UserPassword(p.User, p.Password),
				Host:     net.JoinHostPort(p.Host, strconv.Itoa(portOr(p.Port, 5432))),
				Path:     "/" + p.Database,
				RawQuery: q.Encode(),
			}
			return u.String()
		},
		Statements: Statements{
			Insert:      "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES ($1, $2, $3, CURRENT_TIMESTAMP) RETURNING id",
			BatchInsert: "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES ($1, $2, $3, CURRENT_TIMESTAMP)",
			Select:      "SELECT id, thread_id, value_col FROM load_test WHERE id = $1",
			Update:      "UPDATE load_test SET value_col = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
			Delete:      "DELETE FROM load_test WHERE id = $1",
			MaxID:       "SELECT COALESCE(MAX(id), 0) FROM load_test",
			Truncate:    "TRUNCATE TABLE load_test",
		},
		IDStrategy: IDReturning,
		Schema:     schema,
		DDL:        ddl("PostgreSQL", schema[1:]),
	}
}

// MySQL targets MySQL through go-sql-driver/mysql. The pool is capped at 32
// connections.
func MySQL() *Dialect {
	create := `CREATE TABLE load_test (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    thread_id VARCHAR(50) NOT NULL,
    value_col VARCHAR(200),
    random_data VARCHAR(1000),
    status VARCHAR(20) DEFAULT 'ACTIVE',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_load_test_thread (thread_id, created_at)
) ENGINE=InnoDB PARTITION BY HASH(id) PARTITIONS 16`

	return &Dialect{
		Name:        "mysql",
		Driver:      "mysql",
		DefaultPort: 3306,
		MaxPoolSize: 32,
		BuildDSN: func(p Params) string {
			cfg := mysql.NewConfig()
			cfg.User = p.User
			cfg.Passwd = p.Password
			cfg.Net = "tcp"
			cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(portOr(p.Port, 3306)))
			cfg.DBName = p.Database
			cfg.ParseTime = true
			cfg.AllowNativePasswords = true
			cfg.Timeout = p.ConnectTimeout
			return cfg.FormatDSN()
		},
		Statements: Statements{
			Insert:      "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES (?, ?, ?, NOW())",
			BatchInsert: "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES (?, ?, ?, NOW())",
			Select:      "SELECT id, thread_id, value_col FROM load_test WHERE id = ?",
			Update:      "UPDATE load_test SET value_col = ?, updated_at = NOW() WHERE id = ?",
			Delete:      "DELETE FROM load_test WHERE id = ?",
			MaxID:       "SELECT COALESCE(MAX(id), 0) FROM load_test",
			Truncate:    "TRUNCATE TABLE load_test",
		},
		IDStrategy:  IDLastInsert,
		ExistsQuery: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'load_test'",
		Schema:      []string{"DROP TABLE IF EXISTS load_test", create},
		DDL:         ddl("MySQL", []string{create}),
	}
}

// SQLServer targets Microsoft SQL Server through go-mssqldb.
func SQLServer() *Dialect {
	create := `CREATE TABLE load_test (
    id BIGINT IDENTITY(1,1) PRIMARY KEY,
    thread_id NVARCHAR(50) NOT NULL,
    value_col NVARCHAR(200),
    random_data NVARCHAR(1000),
    status NVARCHAR(20) DEFAULT 'ACTIVE',
    created_at DATETIME2 DEFAULT GETDATE(),
    updated_at DATETIME2 DEFAULT GETDATE()
)`
	index := "CREATE INDEX idx_load_test_thread ON load_test(thread_id, created_at)"
	schema := []string{
		"IF OBJECT_ID('load_test', 'U') IS NOT NULL DROP TABLE load_test",
		create,
		index,
	}

	return &Dialect{
		Name:        "sqlserver",
		Aliases:     []string{"mssql"},
		Driver:      "sqlserver",
		DefaultPort: 1433,
		BuildDSN: func(p Params) string {
			q := url.Values{}
			q.Set("database", p.Database)
			q.Set("encrypt", "disable")
			q.Set("TrustServerCertificate", "true")
			if p.ConnectTimeout > 0 {
				q.Set("dial timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
			}
			u := url.URL{
				Scheme:   "sqlserver",
				User:     url.UserPassword(p.User, p.Password),
				Host:     net.JoinHostPort(p.Host, strconv.Itoa(portOr(p.Port, 1433))),
				RawQuery: q.Encode(),
			}
			return u.String()
		},
		Statements: Statements{
			Insert:      "INSERT INTO load_test (thread_id, value_col, random_data, created_at) OUTPUT INSERTED.id VALUES (@p1, @p2, @p3, GETDATE())",
			BatchInsert: "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES (@p1, @p2, @p3, GETDATE())",
			Select:      "SELECT id, thread_id, value_col FROM load_test WHERE id = @p1",
			Update:      "UPDATE load_test SET value_col = @p1, updated_at = GETDATE() WHERE id = @p2",
			Delete:      "DELETE FROM load_test WHERE id = @p1",
			MaxID:       "SELECT ISNULL(MAX(id), 0) FROM load_test",
			Truncate:    "TRUNCATE TABLE load_test",
		},
		IDStrategy: IDReturning,
		Schema:     schema,
		DDL:        ddl("SQL Server", schema[1:]),
	}
}

// SQLite targets a local database file through mattn/go-sqlite3. It is meant
// for smoke runs and tests; Params.Database is the file path.
func SQLite() *Dialect {
	create := `CREATE TABLE load_test (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id VARCHAR(50) NOT NULL,
    value_col VARCHAR(200),
    random_data VARCHAR(1000),
    status VARCHAR(20) DEFAULT 'ACTIVE',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`
	index := "CREATE INDEX idx_load_test_thread ON load_test(thread_id, created_at)"
	schema := []string{"DROP TABLE IF EXISTS load_test", create, index}

	return &Dialect{
		Name:      "sqlite",
		Aliases:   []string{"sqlite3"},
		Driver:    "sqlite3",
		FileBased: true,
		BuildDSN: func(p Params) string {
			return fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=10000&_txlock=immediate", p.Database)
		},
		Statements: Statements{
			Insert:      "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)",
			BatchInsert: "INSERT INTO load_test (thread_id, value_col, random_data, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)",
			Select:      "SELECT id, thread_id, value_col FROM load_test WHERE id = ?",
			Update:      "UPDATE load_test SET value_col = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			Delete:      "DELETE FROM load_test WHERE id = ?",
			MaxID:       "SELECT COALESCE(MAX(id), 0) FROM load_test",
			Truncate:    "DELETE FROM load_test",
		},
		IDStrategy: IDLastInsert,
		Schema:     schema,
		DDL:        ddl("SQLite", schema[1:]),
	}
}

func ddl(title string, stmts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s DDL\n", title)
	for _, s := range stmts {
		b.WriteString(s)
		b.WriteString(";\n")
	}
	return b.String()
}

func portOr(port, def int) int {
	if port > 0 {
		return port
	}
	return def
}
