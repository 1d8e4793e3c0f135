package redisx

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const (
	// Reservation cache: stock:{product_id}:{size_id}:{color_id} -> integer string
	KeyStock = "stock:%d:%d:%d"

	// Result channel: orderResult:{job_id} -> {"success":..,"orderId"|"error":..}
	KeyOrderResult = "orderResult:%s"
)

var TTLResult = 60 * time.Second

func StockKey(s orders.SKU) string {
	return fmt.Sprintf(KeyStock, s.ProductID, s.SizeID, s.ColorID)
}

func ResultKey(jobID string) string {
	return fmt.Sprintf(KeyOrderResult, jobID)
}
