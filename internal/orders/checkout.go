package orders

import "fmt"

// JobCheckout is the work queue job type carrying a Checkout payload.
const JobCheckout = "order.checkout"

type CheckoutItem struct {
	ProductID int64 `json:"product_id"`
	SizeID    int64 `json:"size_id"`
	ColorID   int64 `json:"color_id"`
	Quantity  int   `json:"quantity"`
	Price     int64 `json:"price"`
}

func (it CheckoutItem) SKU() SKU {
	return SKU{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID}
}

// Checkout is the request accepted by intake and replayed by the worker.
// Prices are minor currency units.
type Checkout struct {
	UserID          *string        `json:"user_id,omitempty"`
	CarrierID       int64          `json:"carrier_id"`
	OriginalPrice   int64          `json:"original_price"`
	DiscountedPrice int64          `json:"discounted_price"`
	FinalPrice      int64          `json:"final_price"`
	DiscountCode    *string        `json:"discount_code,omitempty"`
	Items           []CheckoutItem `json:"items"`
}

func (c Checkout) Validate() error {
	switch {
	case c.CarrierID <= 0:
		return fmt.Errorf("%w: carrier_id is required", ErrValidation)
	case c.OriginalPrice <= 0:
		return fmt.Errorf("%w: original_price is required", ErrValidation)
	case c.DiscountedPrice < 0 || c.FinalPrice < 0:
		return fmt.Errorf("%w: prices must not be negative", ErrValidation)
	case c.DiscountedPrice > c.OriginalPrice:
		return fmt.Errorf("%w: discounted_price exceeds original_price", ErrValidation)
	case len(c.Items) == 0:
		return fmt.Errorf("%w: items must not be empty", ErrValidation)
	}
	for i, it := range c.Items {
		if it.ProductID <= 0 || it.SizeID <= 0 || it.ColorID <= 0 {
			return fmt.Errorf("%w: item %d: product_id, size_id and color_id are required", ErrValidation, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive", ErrValidation, i)
		}
		if it.Price < 0 {
			return fmt.Errorf("%w: item %d: price must not be negative", ErrValidation, i)
		}
	}
	return nil
}

func (c Checkout) Demand() Demand {
	d := make(Demand, len(c.Items))
	for _, it := range c.Items {
		d[it.SKU()] += it.Quantity
	}
	return d
}

func (c Checkout) DiscountAmount() int64 {
	return c.OriginalPrice - c.DiscountedPrice
}
