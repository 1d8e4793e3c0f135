package orders

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "in_payment", "in_progress", "completed", "canceled", "failed"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) = %v", s, err)
		}
	}
	for _, s := range []string{"", "PENDING", "shipped"} {
		if _, err := ParseStatus(s); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("ParseStatus(%q) err = %v", s, err)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []Status{StatusPending, StatusInPayment, StatusInProgress, StatusCompleted, StatusCanceled, StatusFailed}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("%s -> %s allowed", from, to)
			}
		}
	}
	if !CanTransition(StatusInPayment, StatusPending) || CanTransition(StatusInProgress, StatusPending) {
		t.Error("payment rollback rules wrong")
	}
}

func TestCheckoutValidate(t *testing.T) {
	valid := func() Checkout {
		return Checkout{
			CarrierID: 1, OriginalPrice: 3000, DiscountedPrice: 2500, FinalPrice: 2700,
			Items: []CheckoutItem{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 1, Price: 100}},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(*Checkout){
		"no carrier":          func(c *Checkout) { c.CarrierID = 0 },
		"no original price":   func(c *Checkout) { c.OriginalPrice = 0 },
		"negative final":      func(c *Checkout) { c.FinalPrice = -1 },
		"discount above base": func(c *Checkout) { c.DiscountedPrice = 3001 },
		"no items":            func(c *Checkout) { c.Items = nil },
		"zero quantity":       func(c *Checkout) { c.Items[0].Quantity = 0 },
		"missing color":       func(c *Checkout) { c.Items[0].ColorID = 0 },
		"negative item price": func(c *Checkout) { c.Items[0].Price = -5 },
	}
	for name, mutate := range cases {
		c := valid()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestDemandAggregatesPerSKU(t *testing.T) {
	c := Checkout{Items: []CheckoutItem{
		{ProductID: 2, SizeID: 1, ColorID: 1, Quantity: 1},
		{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 2},
		{ProductID: 2, SizeID: 1, ColorID: 1, Quantity: 3},
	}}
	d := c.Demand()
	skus := d.SKUs()
	if len(skus) != 2 || skus[0].ProductID != 1 || d[skus[1]] != 4 {
		t.Errorf("demand = %v, skus = %v", d, skus)
	}
}
