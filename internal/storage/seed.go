package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type seedFile struct {
	Customers []seedCustomer `mapstructure:"customers"`
	Products  []seedProduct  `mapstructure:"products"`
}

type seedCustomer struct {
	CustomerID int64  `mapstructure:"customer_id"`
	Available  string `mapstructure:"available"`
}

type seedProduct struct {
	ProductCode string `mapstructure:"product_code"`
	Available   int64  `mapstructure:"available"`
}

// Seed loads initial ledger and stock entries from a YAML file. Entries that
// already exist in the engine are left alone, so re-running a node with the
// same seed file never resets live balances.
func Seed(ctx context.Context, engine Engine, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := v.Unmarshal(&seed); err != nil {
		return fmt.Errorf("unmarshal seed file: %w", err)
	}

	for _, c := range seed.Customers {
		if c.CustomerID <= 0 {
			return fmt.Errorf("seed customer_id must be positive, got %d", c.CustomerID)
		}
		available, err := decimal.NewFromString(c.Available)
		if err != nil {
			return fmt.Errorf("seed customer %d available: %w", c.CustomerID, err)
		}
		if _, ok, err := engine.LoadBalance(ctx, c.CustomerID); err != nil {
			return err
		} else if ok {
			continue
		}
		entry := BalanceEntry{CustomerID: c.CustomerID, Available: available, Reserved: decimal.Zero}
		if err := engine.SaveBalance(ctx, entry); err != nil {
			return err
		}
	}

	for _, p := range seed.Products {
		if p.ProductCode == "" {
			return fmt.Errorf("seed product_code is required")
		}
		if _, ok, err := engine.LoadStock(ctx, p.ProductCode); err != nil {
			return err
		} else if ok {
			continue
		}
		entry := StockEntry{ProductCode: p.ProductCode, Available: p.Available}
		if err := engine.SaveStock(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
