// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package db opens the relational database backing the configuration stores.
package db

import (
	"fmt"
	"time"

	"github.com/onosproject/onos-lib-go/pkg/logging"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("store", "db")

// Type is the database engine type
type Type string

const (
	// SQLite file-backed engine
	SQLite Type = "sqlite"
	// MySQL engine
	MySQL Type = "mysql"
	// Postgres engine
	Postgres Type = "postgres"
)

// Config is the database connection configuration
type Config struct {
	Type     Type   `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`

	// SQLitePath is the database file path for the sqlite engine
	SQLitePath string `yaml:"sqlite_path"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DefaultConfig returns a file-backed sqlite configuration
func DefaultConfig() Config {
	return Config{
		Type:         SQLite,
		SQLitePath:   "./data/vtn-config.db",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

// Open opens the database and migrates the configuration schema
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case SQLite, "":
		dialector = sqlite.Open(cfg.SQLitePath)
	case MySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		dialector = mysql.Open(dsn)
	case Postgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	log.Infof("Opened %s database", cfg.Type)
	return gdb, nil
}

// OpenMemory opens a private in-memory sqlite database, migrated and limited
// to a single connection so every statement sees the same database.
func OpenMemory() (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate creates or updates the configuration schema
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.PolicingMap{},
		&types.PolicingMapCtrl{},
		&types.PolicyBinding{},
		&types.VNode{},
		&types.VTNSpan{},
		&types.RenameEntry{},
		&types.PolicingProfile{},
		&types.RefCountDelta{},
	)
}
