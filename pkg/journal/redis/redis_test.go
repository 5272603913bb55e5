package redis

import (
	"os"
	"testing"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/journal/journalTest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisJournal(t *testing.T) {
	address := os.Getenv("REDIS_TEST_ADDRESS")
	if address == "" {
		t.Skip("REDIS_TEST_ADDRESS not set")
	}
	j, err := NewRedisJournal(&RedisConfig{
		Address:   address,
		KeyPrefix: "test:" + uuid.NewString() + ":",
		TTL:       time.Hour,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	journalTest.Run(t, j)
}

func TestNewRedisJournal_InvalidConfig(t *testing.T) {
	_, err := NewRedisJournal(nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewRedisJournal(&RedisConfig{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "address")
}
