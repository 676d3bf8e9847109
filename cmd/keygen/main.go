// keygen 为 owner 创建 API key，只保存哈希，明文仅打印一次。
//
//	keygen --owner alice --tier premium --ttl 720h
//	keygen --owner alice --revoke
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"computeruse/internal/auth"
	"computeruse/internal/config"

	"github.com/go-pg/pg/v10"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var owner, tier string
	var ttl time.Duration
	var revoke bool

	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	flagSet.StringVar(&owner, "owner", "", "owner id the key belongs to (required)")
	flagSet.StringVar(&tier, "tier", "basic", "quota tier: basic, standard or premium")
	flagSet.DurationVar(&ttl, "ttl", 0, "key lifetime, 0 means no expiry")
	flagSet.BoolVar(&revoke, "revoke", false, "deactivate every key of the owner instead of creating one")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if owner == "" {
		flagSet.Usage()
		return errors.New("--owner is required")
	}

	cfg := config.Load()
	if _, ok := cfg.Tiers[tier]; !ok {
		return fmt.Errorf("%w: %s", auth.ErrUnknownTier, tier)
	}
	if cfg.Postgres.Addr == "" {
		return errors.New("POSTGRES_ADDR is not set")
	}

	db := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := auth.NewPGCredentialStore(db)
	if err := store.CreateSchema(); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if revoke {
		n, err := store.Revoke(ctx, owner)
		if err != nil {
			return err
		}
		fmt.Printf("revoked %d key(s) for %s\n", n, owner)
		return nil
	}

	key, err := store.Create(ctx, owner, tier, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("owner:  %s\ntier:   %s\n", owner, tier)
	if ttl > 0 {
		fmt.Printf("expires: %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	}
	fmt.Printf("api key: %s\n\nStore this key now, it cannot be shown again.\n", key)
	return nil
}
