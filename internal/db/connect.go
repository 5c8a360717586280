package db

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/zulandar/chatline/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLDSN builds a MySQL DSN. An empty database selects no schema, which
// is what CREATE DATABASE needs.
func MySQLDSN(cfg config.DatabaseConfig, database string) string {
	mc := mysqldriver.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// PostgresDSN builds a lib/pq keyword/value DSN.
func PostgresDSN(cfg config.DatabaseConfig, database string) string {
	parts := []string{
		"host=" + cfg.Host,
		"port=" + strconv.Itoa(cfg.Port),
		"user=" + cfg.User,
		"sslmode=disable",
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+quotePQ(cfg.Password))
	}
	if database != "" {
		parts = append(parts, "dbname="+database)
	}
	return strings.Join(parts, " ")
}

func quotePQ(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
}

// Connect opens a GORM connection for the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(cfg.Path)
	case "mysql":
		precision := 6
		db, err := gorm.Open(mysql.New(mysql.Config{
			DSN:                      MySQLDSN(cfg, cfg.Name),
			DefaultDatetimePrecision: &precision,
		}), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	case "postgres":
		db, err := gorm.Open(postgres.New(postgres.Config{
			DriverName: "postgres",
			DSN:        PostgresDSN(cfg, cfg.Name),
		}), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database at path. ":memory:" gives a private
// in-memory database. The pool is pinned to one connection so every caller
// sees the same database and writes never contend for the file lock.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// ConnectAdmin opens a connection to the server without selecting a
// database, used for CREATE DATABASE operations. SQLite has no admin
// connection.
func ConnectAdmin(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dial = mysql.Open(MySQLDSN(cfg, ""))
	case "postgres":
		dial = postgres.New(postgres.Config{DriverName: "postgres", DSN: PostgresDSN(cfg, "postgres")})
	default:
		return nil, fmt.Errorf("db: admin connect: driver %q has no server", cfg.Driver)
	}
	db, err := gorm.Open(dial, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	var sql string
	switch adminDB.Dialector.Name() {
	case "postgres":
		var n int64
		if err := adminDB.Raw("SELECT count(*) FROM pg_database WHERE datname = ?", name).Scan(&n).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
		if n > 0 {
			return nil
		}
		sql = fmt.Sprintf(`CREATE DATABASE "%s"`, name)
	default:
		sql = fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	}
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

// DropDatabase drops the named database if it exists.
func DropDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
	if adminDB.Dialector.Name() == "postgres" {
		sql = fmt.Sprintf(`DROP DATABASE IF EXISTS "%s"`, name)
	}
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: drop database %s: %w", name, err)
	}
	return nil
}
