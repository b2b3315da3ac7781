package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/alimx07/blog_service/models"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func dsn(host, port, user, password, name string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, name)
}

// InitDBConnections opens the primary (writes) and replica (reads) pools.
// Without a replica host both handles point at the same pool.
func InitDBConnections(config models.Config, logger *zap.Logger) (primary *sql.DB, replica *sql.DB, err error) {
	primary, err = sql.Open("postgres", dsn(config.DBHost, config.DBPort, config.DBUser, config.DBPassword, config.DBName))
	if err != nil {
		logger.Error("Failed to Connect with primary DB", zap.Error(err))
		return nil, nil, err
	}
	if err = primary.Ping(); err != nil {
		primary.Close()
		logger.Error("Primary DB is unreachable", zap.String("host", config.DBHost), zap.Error(err))
		return nil, nil, err
	}

	if config.DBReplicaHost == "" {
		return primary, primary, nil
	}

	replica, err = sql.Open("postgres", dsn(config.DBReplicaHost, config.DBReplicaPort,
		config.DBReplicaUser, config.DBReplicaPassword, config.DBReplicaName))
	if err != nil {
		primary.Close()
		logger.Error("Failed to Connect with replica DB", zap.Error(err))
		return nil, nil, err
	}
	if err = replica.Ping(); err != nil {
		primary.Close()
		replica.Close()
		logger.Error("Replica DB is unreachable", zap.String("host", config.DBReplicaHost), zap.Error(err))
		return nil, nil, err
	}
	return primary, replica, nil
}

// Migrate applies the embedded migrations on the given connection.
func Migrate(db *sql.DB, dbname string, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Error("Using Same Connection for Migrations failed", zap.Error(err))
		return err
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dbname, driver)
	if err != nil {
		logger.Error("Failed to build migrator", zap.Error(err))
		return err
	}

	// postgres runs each migration in a transaction, a failed one rolls back
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("Migration of Database failed", zap.Error(err))
		return err
	}

	version, _, _ := m.Version()
	logger.Info("Migrations applied successfully", zap.Uint("version", version))
	return nil
}
