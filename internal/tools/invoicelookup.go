package tools

import (
	"context"
)

// Order is a fixed record describing one order in the static lookup table
// (spec.md §4.4).
type Order struct {
	Status    string   `json:"status"`
	Tracking  string   `json:"tracking"`
	LineItems []string `json:"lineItems"`
}

// staticOrders is the fixed lookup table InvoiceLookup consults. Real order
// data lives nowhere in this gateway; the tool exists to exercise the
// invocation protocol end to end (spec.md §4.4).
var staticOrders = map[string]Order{
	"12345": {Status: "shipped", Tracking: "1Z999AA10123456784", LineItems: []string{"Wireless Mouse", "USB-C Cable"}},
	"98765": {Status: "delivered", Tracking: "1Z999AA10198765432", LineItems: []string{"Mechanical Keyboard"}},
	"55555": {Status: "processing", Tracking: "", LineItems: []string{"Monitor Stand"}},
}

// NewInvoiceLookup builds the InvoiceLookup reference tool (spec.md §4.4):
// input is {orderId} or {invoiceNumber} (exactly one); unknown ids return
// {success:false, error:"Order not found"}.
func NewInvoiceLookup() Tool {
	return Tool{
		Name:        "InvoiceLookup",
		Description: "Looks up an order's status, tracking number, and line items by order id or invoice number.",
		Parameters: map[string]any{
			"type": "object",
			"oneOf": []any{
				map[string]any{"required": []any{"orderId"}},
				map[string]any{"required": []any{"invoiceNumber"}},
			},
			"properties": map[string]any{
				"orderId":       map[string]any{"type": "string"},
				"invoiceNumber": map[string]any{"type": "string"},
			},
		},
		Permissions: Permissions{DataAccess: DataAccessTenantReadonly, NetworkAccess: false, EstimatedCostCents: 0},
		Limits:      Limits{TimeoutMs: 2000, MaxPayloadBytes: 4096},
		Execute:     invoiceLookupExecute,
	}
}

func invoiceLookupExecute(_ context.Context, args map[string]any) (Result, error) {
	orderID, hasOrderID := stringArg(args, "orderId")
	invoiceNumber, hasInvoiceNumber := stringArg(args, "invoiceNumber")

	if hasOrderID == hasInvoiceNumber {
		return Result{Success: false, Error: "exactly one of orderId or invoiceNumber is required"}, nil
	}

	id := orderID
	if hasInvoiceNumber {
		id = invoiceNumber
	}

	order, ok := staticOrders[id]
	if !ok {
		return Result{Success: false, Error: "Order not found"}, nil
	}
	return Result{Success: true, Data: map[string]any{
		"status":    order.Status,
		"tracking":  order.Tracking,
		"lineItems": order.LineItems,
	}}, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
