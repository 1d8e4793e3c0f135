package orders

import (
	"fmt"
	"sort"
	"time"
)

// SKU identifies one inventory-tracked unit.
type SKU struct {
	ProductID int64 `json:"product_id"`
	SizeID    int64 `json:"size_id"`
	ColorID   int64 `json:"color_id"`
}

func (s SKU) String() string {
	return fmt.Sprintf("%d:%d:%d", s.ProductID, s.SizeID, s.ColorID)
}

func (s SKU) Less(o SKU) bool {
	if s.ProductID != o.ProductID {
		return s.ProductID < o.ProductID
	}
	if s.SizeID != o.SizeID {
		return s.SizeID < o.SizeID
	}
	return s.ColorID < o.ColorID
}

// SortSKUs orders skus in place; ledger rows are always locked in this order.
func SortSKUs(skus []SKU) {
	sort.Slice(skus, func(i, j int) bool { return skus[i].Less(skus[j]) })
}

// Demand is the total quantity requested per SKU.
type Demand map[SKU]int

// SKUs returns the distinct SKUs in lock order.
func (d Demand) SKUs() []SKU {
	out := make([]SKU, 0, len(d))
	for s := range d {
		out = append(out, s)
	}
	SortSKUs(out)
	return out
}

type Order struct {
	ID              string      `json:"id"`
	UserID          *string     `json:"user_id"`
	CarrierID       int64       `json:"carrier_id"`
	DiscountCode    *string     `json:"discount_code"`
	DiscountAmount  int64       `json:"discount_amount"`
	OriginalPrice   int64       `json:"original_price"`
	DiscountedPrice int64       `json:"discounted_price"`
	FinalPrice      int64       `json:"final_price"`
	Status          Status      `json:"status"`
	ExpiresAt       time.Time   `json:"expires_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Items           []OrderItem `json:"items,omitempty"`
}

type OrderItem struct {
	ID       int64  `json:"id"`
	OrderID  string `json:"order_id"`
	SKU      SKU    `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
	Reserved bool   `json:"reserved"`
}

// Transition is the outcome of a status change. Released holds the items whose
// quantity went back to the ledger in the same transaction.
type Transition struct {
	OrderID  string
	From     Status
	To       Status
	Released []OrderItem
}

func (t Transition) ReleasedDemand() Demand {
	d := Demand{}
	for _, it := range t.Released {
		d[it.SKU] += it.Quantity
	}
	return d
}
