package metrics

import "time"

type NoopCollector struct{}

var _ ICollector = (*NoopCollector)(nil)

func NewNoopCollector() ICollector {
	return &NoopCollector{}
}

func (c *NoopCollector) ProviderRequest(string, time.Time, error) {}
func (c *NoopCollector) BatchStatusPolled(string)                 {}
func (c *NoopCollector) UserOperationSubmitted(uint64)            {}
func (c *NoopCollector) UserOperationCompleted(uint64, bool)      {}
