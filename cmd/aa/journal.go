package main

import (
	"fmt"

	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	journalBadger "github.com/Layr-Labs/multichain-aa-go/pkg/journal/badger"
	journalMemory "github.com/Layr-Labs/multichain-aa-go/pkg/journal/memory"
	journalRedis "github.com/Layr-Labs/multichain-aa-go/pkg/journal/redis"
	"go.uber.org/zap"
)

// openJournal creates the journal backend selected by cfg.
func openJournal(cfg *config.JournalConfig, l *zap.Logger) (journal.IJournal, error) {
	switch cfg.Type {
	case "", config.JournalType_Memory:
		return journalMemory.NewMemoryJournal(), nil
	case config.JournalType_Badger:
		j, err := journalBadger.NewBadgerJournal(&journalBadger.BadgerConfig{Path: cfg.Path}, l)
		if err != nil {
			return nil, err
		}
		return j, nil
	case config.JournalType_Redis:
		j, err := journalRedis.NewRedisJournal(&journalRedis.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, l)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", cfg.Type)
	}
}
