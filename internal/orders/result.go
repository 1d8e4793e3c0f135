package orders

// Result codes stored alongside failed results.
const (
	CodeOutOfStock = "out_of_stock"
	CodeInvalid    = "invalid"
	CodeError      = "error"
)

// Result is the record a worker leaves in the result channel for one job.
type Result struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func Succeeded(orderID string) Result {
	return Result{Success: true, OrderID: orderID}
}

func Failed(code string, err error) Result {
	return Result{Success: false, Error: err.Error(), Code: code}
}
