package badger

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// zapBadgerLogger routes badger's printf-style logging into zap.
type zapBadgerLogger struct {
	logger *zap.Logger
}

var _ badgerdb.Logger = (*zapBadgerLogger)(nil)

func (z *zapBadgerLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error(fmt.Sprintf(format, args...))
}

func (z *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	z.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof is demoted to debug, badger is chatty at info.
func (z *zapBadgerLogger) Infof(format string, args ...interface{}) {
	z.logger.Debug(fmt.Sprintf(format, args...))
}

func (z *zapBadgerLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug(fmt.Sprintf(format, args...))
}
