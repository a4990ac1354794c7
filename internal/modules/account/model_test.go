package account

import (
	"testing"

	"rideflow/internal/types"
)

func TestProviderEligible(t *testing.T) {
	sub := int64(7)
	other := int64(8)
	pos := &types.Point{Lat: 30.05, Lng: 31.23}
	base := func() *Provider {
		return &Provider{
			ID:       "p1",
			Position: pos,
			Verified: true,
			Services: []Capability{{ServiceID: 1, SubServiceID: &sub}, {ServiceID: 2}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(p *Provider)
		service int64
		sub     *int64
		want    bool
	}{
		{name: "eligible", mutate: func(*Provider) {}, service: 1, want: true},
		{name: "matching sub-service", mutate: func(*Provider) {}, service: 1, sub: &sub, want: true},
		{name: "other sub-service", mutate: func(*Provider) {}, service: 1, sub: &other, want: false},
		{name: "wildcard capability", mutate: func(*Provider) {}, service: 2, sub: &other, want: true},
		{name: "unverified", mutate: func(p *Provider) { p.Verified = false }, service: 1, want: false},
		{name: "in ride", mutate: func(p *Provider) { p.InRide = true }, service: 1, want: false},
		{name: "no coordinates", mutate: func(p *Provider) { p.Position = nil }, service: 1, want: false},
		{name: "driver busy", mutate: func(p *Provider) { p.DriverStatus = DriverStatusInRide }, service: 1, want: false},
		{name: "driver available", mutate: func(p *Provider) { p.DriverStatus = DriverStatusAvailable }, service: 1, want: true},
		{name: "unknown service", mutate: func(*Provider) {}, service: 3, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			if got := p.Eligible(tt.service, tt.sub); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}
