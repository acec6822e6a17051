package relationship

import (
	"github.com/sibyl-dev/sibyl/pkg/graph"
)

// Factory builds tenant-scoped managers over a shared graph driver.
type Factory struct {
	driver *graph.Driver
}

// NewFactory creates a manager factory.
func NewFactory(driver *graph.Driver) *Factory {
	return &Factory{driver: driver}
}

// ForTenant returns a manager bound to the tenant's graph. Invalid tenant
// ids are rejected by the driver.
func (f *Factory) ForTenant(tenantID string) (*Manager, error) {
	h, err := f.driver.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return NewManager(h), nil
}
