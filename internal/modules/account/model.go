// README: Read views over providers and customers plus the availability flags this core flips.
package account

import "rideflow/internal/types"

const (
	DriverStatusAvailable = "available"
	DriverStatusInRide    = "in_ride"
)

// Capability is one (service, sub-service) pair a provider offers. A nil SubServiceID covers every sub-service.
type Capability struct {
	ServiceID    int64
	SubServiceID *int64
}

type Provider struct {
	ID       types.ID
	Name     string
	Position *types.Point
	Verified bool
	InRide   bool
	// DriverStatus is empty when the provider has no driver profile.
	DriverStatus string
	Services     []Capability
}

// Offers reports whether the provider serves serviceID (and subServiceID when given).
func (p *Provider) Offers(serviceID int64, subServiceID *int64) bool {
	for _, c := range p.Services {
		if c.ServiceID != serviceID {
			continue
		}
		if subServiceID == nil || c.SubServiceID == nil || *c.SubServiceID == *subServiceID {
			return true
		}
	}
	return false
}

// Eligible reports whether the provider may receive a new ride offer for the service.
func (p *Provider) Eligible(serviceID int64, subServiceID *int64) bool {
	if !p.Verified || p.InRide || p.Position == nil {
		return false
	}
	if p.DriverStatus != "" && p.DriverStatus != DriverStatusAvailable {
		return false
	}
	return p.Offers(serviceID, subServiceID)
}
