package orders

const (
	TopicOrderReserved = "order.reserved"
	TopicOrderFailed   = "order.failed"
	TopicOrderCanceled = "order.canceled"
)

// Partition key = order_id (or job_id before an order exists), so every event
// of one checkout stays ordered.
func PartitionKey(id string) []byte { return []byte(id) }
