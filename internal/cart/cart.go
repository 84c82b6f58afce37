// Package cart holds the pure cart transformations and the stateful engine
// that persists them. The transformation functions never touch storage or the
// network and never fail; identity and merge rules live here and nowhere else.
package cart

import (
	"github.com/vruksha-store/storefront/internal/domain"
)

// Add applies the identity rule to incoming: a line matching the same
// (product, variant, size) key has its quantity incremented, otherwise the
// incoming snapshot is appended as a new line. A non-positive incoming
// quantity counts as 1.
func Add(items []domain.LineItem, incoming domain.LineItem) []domain.LineItem {
	qty := incoming.Quantity
	if qty <= 0 {
		qty = 1
	}

	out := clone(items)
	key := incoming.Key()
	for i := range out {
		if out[i].Key() == key {
			out[i].Quantity += qty
			return out
		}
	}

	incoming.Size = domain.CanonicalSize(incoming.Size)
	incoming.Quantity = qty
	out = append(out, incoming)
	return out
}

// Remove deletes the line matching key. Removing an absent line is a no-op.
func Remove(items []domain.LineItem, key domain.LineKey) []domain.LineItem {
	key.Size = domain.CanonicalSize(key.Size)
	out := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		if item.Key() == key {
			continue
		}
		out = append(out, cloneItem(item))
	}
	return out
}

// SetQuantity overwrites the quantity on the line matching key. A quantity of
// zero or less removes the line; setting quantity on an absent line is a
// no-op.
func SetQuantity(items []domain.LineItem, key domain.LineKey, quantity int) []domain.LineItem {
	if quantity <= 0 {
		return Remove(items, key)
	}
	key.Size = domain.CanonicalSize(key.Size)
	out := clone(items)
	for i := range out {
		if out[i].Key() == key {
			out[i].Quantity = quantity
			break
		}
	}
	return out
}

// Merge combines a local cart into a remote one. The remote cart is the base
// and keeps its ordering; local lines matching an existing key have their
// quantities summed, the rest are appended. Quantity totals per key are the
// same whichever cart is the base.
func Merge(local, remote []domain.LineItem) []domain.LineItem {
	merged := clone(remote)
	for _, item := range local {
		key := item.Key()
		found := false
		for i := range merged {
			if merged[i].Key() == key {
				qty := item.Quantity
				if qty <= 0 {
					qty = 1
				}
				merged[i].Quantity += qty
				found = true
				break
			}
		}
		if !found {
			dup := cloneItem(item)
			dup.Size = domain.CanonicalSize(dup.Size)
			merged = append(merged, dup)
		}
	}
	return merged
}

// Total is the sum of unit price times quantity over all lines. The fold is
// order-independent; display rounding is presentation's problem.
func Total(items []domain.LineItem) float64 {
	var total float64
	for _, item := range items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// Count is the total quantity across all lines, matching Total's granularity.
func Count(items []domain.LineItem) int {
	var count int
	for _, item := range items {
		count += item.Quantity
	}
	return count
}

func clone(items []domain.LineItem) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		out[i] = cloneItem(item)
	}
	return out
}

func cloneItem(item domain.LineItem) domain.LineItem {
	if item.SelectedColor != nil {
		dup := *item.SelectedColor
		item.SelectedColor = &dup
	}
	return item
}
