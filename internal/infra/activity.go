package infra

import (
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// ZapActivityLog implements domain.ActivityLog on a named zap logger.
// Entries land in the same sinks as the service log, tagged logger=activity.
type ZapActivityLog struct {
	logger *zap.Logger
}

// NewActivityLog creates an activity log under logger.
func NewActivityLog(logger *zap.Logger) *ZapActivityLog {
	return &ZapActivityLog{logger: logger.Named("activity")}
}

// Record writes one activity entry. Fields are emitted in key order.
func (a *ZapActivityLog) Record(kind, message string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys)+1)
	zf = append(zf, zap.String("kind", kind))
	for _, k := range keys {
		zf = append(zf, zap.String(k, fields[k]))
	}
	a.logger.Info(message, zf...)
}

var _ domain.ActivityLog = (*ZapActivityLog)(nil)
