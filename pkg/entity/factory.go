package entity

import (
	"github.com/sibyl-dev/sibyl/pkg/graph"
)

// Factory builds tenant-scoped managers over a shared graph driver. Handles
// and their write mutexes are cached inside the driver, so ForTenant is cheap
// to call per request.
type Factory struct {
	driver    *graph.Driver
	embedder  Embedder
	extractor Extractor
	opts      []Option
}

// NewFactory creates a manager factory with shared collaborators.
func NewFactory(driver *graph.Driver, embedder Embedder, extractor Extractor, opts ...Option) *Factory {
	return &Factory{
		driver:    driver,
		embedder:  embedder,
		extractor: extractor,
		opts:      opts,
	}
}

// ForTenant returns a manager bound to the tenant's graph. Invalid tenant
// ids are rejected by the driver.
func (f *Factory) ForTenant(tenantID string) (*Manager, error) {
	h, err := f.driver.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return NewManager(h, f.embedder, f.extractor, f.opts...), nil
}

// Driver exposes the underlying graph driver for health checks and tenant
// teardown.
func (f *Factory) Driver() *graph.Driver {
	return f.driver
}
