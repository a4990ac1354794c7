// README: Ride and scheduled-ride aggregates, statuses and the allowed transitions.
package ride

import (
	"time"

	"rideflow/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusStarting  Status = "starting"
	StatusArriving  Status = "arriving"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

const (
	RideTypeOneWay = "one_way"
	RideTypeTwoWay = "two_way"
)

const (
	ActorClient   = "client"
	ActorProvider = "provider"
	ActorSystem   = "system"
)

type Ride struct {
	ID              types.ID
	ClientID        types.ID
	ProviderID      *types.ID
	ServiceID       int64
	SubServiceID    *int64
	Status          Status
	StatusVersion   int
	Pickup          types.Point
	Drop            *types.Point
	RideType        string
	ScheduledRideID *types.ID
	// Totals are stored once the ride finishes.
	DistanceKm      *float64
	DurationMinutes *float64
	TotalPrice      *float64
	CreatedAt       time.Time
	AcceptedAt      *time.Time
	FinishedAt      *time.Time
	CancelledAt     *time.Time
	CancelledBy     *string
}

// IsParticipant reports whether user is the ride's client or provider.
func (r *Ride) IsParticipant(user types.ID) bool {
	return r.ClientID == user || (r.ProviderID != nil && *r.ProviderID == user)
}

// Counterpart returns the other participant, or "" when there is none yet.
func (r *Ride) Counterpart(user types.ID) types.ID {
	if r.ClientID == user {
		if r.ProviderID == nil {
			return ""
		}
		return *r.ProviderID
	}
	return r.ClientID
}

type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusCancelled},
	StatusAccepted: {StatusStarting, StatusCancelled},
	StatusStarting: {StatusArriving, StatusCancelled},
	StatusArriving: {StatusFinished, StatusCancelled},
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusAccepted, StatusStarting, StatusArriving}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusFinished || s == StatusCancelled
}

type ScheduledStatus string

const (
	ScheduledStatusScheduled ScheduledStatus = "scheduled"
	ScheduledStatusAccepted  ScheduledStatus = "accepted"
	ScheduledStatusStarted   ScheduledStatus = "started"
	ScheduledStatusCancelled ScheduledStatus = "cancelled"
	ScheduledStatusCompleted ScheduledStatus = "completed"
)

// MaxActiveScheduled caps accepted/started scheduled rides per client.
const MaxActiveScheduled = 3

// ScheduleBuffer is the minimum gap between two scheduled rides of one provider.
const ScheduleBuffer = 60 * time.Minute

type ScheduledRide struct {
	ID            types.ID
	ClientID      types.ID
	ProviderID    *types.ID
	ServiceID     int64
	SubServiceID  *int64
	ScheduledTime time.Time
	Status        ScheduledStatus
	Pickup        types.Point
	Drop          *types.Point
	// Pricing cached at creation; nil when no rule applied.
	DistanceKm      *float64
	DurationMinutes *float64
	TotalPrice      *float64
	RideID          *types.ID
	RemindedOn      *time.Time
	CreatedAt       time.Time
}

// ScheduledTransitions represents the scheduled ride flow as code.
// started -> cancelled only follows the promoted ride being cancelled.
var ScheduledTransitions = map[ScheduledStatus][]ScheduledStatus{
	ScheduledStatusScheduled: {ScheduledStatusAccepted, ScheduledStatusCancelled},
	ScheduledStatusAccepted:  {ScheduledStatusStarted, ScheduledStatusCancelled},
	ScheduledStatusStarted:   {ScheduledStatusCompleted, ScheduledStatusCancelled},
}

func CanTransitionScheduled(from, to ScheduledStatus) bool {
	for _, s := range ScheduledTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Overlaps reports whether two scheduled times are closer than ScheduleBuffer.
func Overlaps(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < ScheduleBuffer
}
