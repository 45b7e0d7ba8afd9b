package bank

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenSqlite opens the bank database at path and migrates it. The pool is
// limited to one connection so that sqlite serializes every unit of work.
func OpenSqlite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&PaymentConsent{},
		&AccountAccessConsent{},
		&Payment{},
		&Account{},
		&LedgerTransaction{},
	); err != nil {
		return fmt.Errorf("could not migrate bank tables: %w", err)
	}
	return nil
}

// SeedAccounts inserts accounts that do not exist yet.
func SeedAccounts(ctx context.Context, db *gorm.DB, accounts ...Account) error {
	if len(accounts) == 0 {
		return nil
	}

	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&accounts).Error
}

// DefaultAccounts are seeded by the bank command so the demo has a debtor.
var DefaultAccounts = []Account{
	{
		AccountId:      "acc-001",
		SchemeName:     "UK.OBIE.SortCodeAccountNumber",
		Identification: "11280001234567",
		Name:           "Current Account",
		Currency:       "GBP",
	},
	{
		AccountId:      "acc-002",
		SchemeName:     "UK.OBIE.SortCodeAccountNumber",
		Identification: "11280007654321",
		Name:           "Savings Account",
		Currency:       "GBP",
	},
}
