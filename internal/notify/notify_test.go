package notify

import "testing"

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var first, second []Toast
	cancelFirst := bus.Subscribe(func(toast Toast) { first = append(first, toast) })
	cancelSecond := bus.Subscribe(func(toast Toast) { second = append(second, toast) })
	defer cancelSecond()

	bus.Publish(Toast{Message: "Order placed", Level: LevelSuccess})
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both subscribers notified, got %d and %d", len(first), len(second))
	}

	cancelFirst()
	bus.Publish(Toast{Message: "Failed to sync cart", Level: LevelError})
	if len(first) != 1 {
		t.Fatalf("cancelled subscriber must not receive toasts, got %d", len(first))
	}
	if len(second) != 2 || second[1].Level != LevelError {
		t.Fatalf("expected the second subscriber to keep receiving, got %+v", second)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	NewBus().Publish(Toast{Message: "noop", Level: LevelInfo})
}
