package validator

import (
	"fmt"
	"strings"
	"time"

	"order-pipeline/internal/models"
)

// clockSkewTolerance is how far in the future an order timestamp may sit
// before it is rejected.
const clockSkewTolerance = 5 * time.Minute

// Result carries the outcome of validating one order. Errors holds every
// violation found, not just the first, so operators get the full picture.
type Result struct {
	IsValid bool
	Errors  []string
}

// Validate checks an order against the pipeline's business rules and
// accumulates all violations.
func Validate(order *models.OrderMessage) Result {
	var errs []string

	if strings.TrimSpace(order.OrderID) == "" {
		errs = append(errs, "orderId is required")
	}
	if strings.TrimSpace(order.UserID) == "" {
		errs = append(errs, "userId is required")
	}
	if strings.TrimSpace(order.UserName) == "" {
		errs = append(errs, "userName is required")
	}
	if !validEmail(order.UserEmail) {
		errs = append(errs, "userEmail must be a valid email address")
	}

	if len(order.Items) == 0 {
		errs = append(errs, "order must contain at least one item")
	}
	for i, item := range order.Items {
		if strings.TrimSpace(item.ProductName) == "" {
			errs = append(errs, fmt.Sprintf("items[%d].productName is required", i))
		}
		if strings.TrimSpace(item.Brand) == "" {
			errs = append(errs, fmt.Sprintf("items[%d].brand is required", i))
		}
		if strings.TrimSpace(item.Color) == "" {
			errs = append(errs, fmt.Sprintf("items[%d].color is required", i))
		}
		if item.Size <= 0 {
			errs = append(errs, fmt.Sprintf("items[%d].size must be greater than zero", i))
		}
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("items[%d].quantity must be greater than zero", i))
		}
		if item.Price <= 0 {
			errs = append(errs, fmt.Sprintf("items[%d].price must be greater than zero", i))
		}
	}

	if order.TotalPrice <= 0 {
		errs = append(errs, "totalPrice must be greater than zero")
	}
	if order.TotalQuantity <= 0 {
		errs = append(errs, "totalQuantity must be greater than zero")
	}

	addr := order.ShippingAddress
	if strings.TrimSpace(addr.Address) == "" {
		errs = append(errs, "shippingAddress.address is required")
	}
	if strings.TrimSpace(addr.City) == "" {
		errs = append(errs, "shippingAddress.city is required")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		errs = append(errs, "shippingAddress.postalCode is required")
	}
	if strings.TrimSpace(addr.Country) == "" {
		errs = append(errs, "shippingAddress.country is required")
	}

	if order.OrderDate.After(time.Now().Add(clockSkewTolerance)) {
		errs = append(errs, "orderDate must not be in the future")
	}

	if strings.TrimSpace(order.Status) == "" {
		errs = append(errs, "status is required")
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

// validEmail accepts any non-empty address with exactly one "@" and text on
// both sides. Deliberately permissive so synthetic test addresses pass.
func validEmail(email string) bool {
	if email == "" {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") {
		return false
	}
	return at < len(email)-1
}
