package kafka

import (
	"reflect"
	"testing"
)

func TestHeaderCarrier(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "00-a-b-01")
	c.Set("x-job-type", "order.checkout")
	c.Set("traceparent", "00-c-d-01")

	if got := c.Get("traceparent"); got != "00-c-d-01" {
		t.Errorf("Get = %q, Set should overwrite", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q", got)
	}
	if want := []string{"traceparent", "x-job-type"}; !reflect.DeepEqual(c.Keys(), want) {
		t.Errorf("Keys = %v", c.Keys())
	}
	if Header(c, "x-job-type") != "order.checkout" {
		t.Error("Header helper mismatch")
	}
}
