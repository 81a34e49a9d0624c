package database

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	db       *gorm.DB
	initOnce sync.Once
)

func dsn(dbc config.Database) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbc.Host, dbc.Port, dbc.User, dbc.Pass, dbc.Name)
}

// InitDB opens the postgres connection, verifies it and runs migrations. It
// is fatal on failure; the process cannot serve without its store.
func InitDB(dbc config.Database, logger zerolog.Logger) {
	initOnce.Do(func() {
		log := logger.With().Str("component", "database").Logger()

		conn, err := gorm.Open(
			postgres.New(postgres.Config{
				DSN:                  dsn(dbc),
				PreferSimpleProtocol: true,
			}),
			&gorm.Config{
				DisableForeignKeyConstraintWhenMigrating: false,
			},
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}

		sqlDB, err := conn.DB()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get underlying connection")
		}
		if err := sqlDB.Ping(); err != nil {
			log.Fatal().Err(err).Str("host", dbc.Host).Str("db", dbc.Name).
				Msg("database unreachable")
		}
		log.Info().Str("host", dbc.Host).Str("db", dbc.Name).
			Msg("database connection established")

		if err := AutoMigrate(conn); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		log.Info().Msg("database migrations completed")

		db = conn
	})
}

func DBClient() *gorm.DB {
	if db == nil {
		panic("database is not initialized, call InitDB first")
	}
	return db
}
