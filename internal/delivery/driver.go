package delivery

import (
	"time"

	"github.com/google/uuid"

	"github.com/jogardn/food-delivery-saga/internal/saga"
)

const driverAggregate = "driver"

type Driver struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ActiveDeliveryID string    `json:"activeDeliveryId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Version          int       `json:"version"`
}

func NewDriver(name string, now time.Time) (*Driver, error) {
	if name == "" {
		return nil, saga.Invalid("driver name is required")
	}
	return &Driver{ID: uuid.NewString(), Name: name, CreatedAt: now.UTC()}, nil
}

func (d *Driver) HasActiveDelivery() bool {
	return d.ActiveDeliveryID != ""
}

func (d *Driver) EnsureCanClaim() error {
	if d.HasActiveDelivery() {
		return saga.IllegalTransition(driverAggregate, d.ID, "busy with "+d.ActiveDeliveryID, "claim")
	}
	return nil
}

func (d *Driver) Assign(deliveryID string) error {
	if err := d.EnsureCanClaim(); err != nil {
		return err
	}
	d.ActiveDeliveryID = deliveryID
	return nil
}

// Release clears the active delivery after it was completed or cancelled.
func (d *Driver) Release(deliveryID string) error {
	if d.ActiveDeliveryID != deliveryID {
		return saga.IllegalTransition(driverAggregate, d.ID, "active delivery "+d.ActiveDeliveryID, "release "+deliveryID)
	}
	d.ActiveDeliveryID = ""
	return nil
}
