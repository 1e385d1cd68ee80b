package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapCategorizedErrorUsesProvidedCategory(t *testing.T) {
	base := errors.New("boom")
	wrapped := WrapCategorizedError(ErrorCategoryCrypto, base)
	var classified *CategorizedError
	if !errors.As(wrapped, &classified) {
		t.Fatalf("expected categorized error, got %T", wrapped)
	}
	if classified.Category != ErrorCategoryCrypto {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryCrypto, classified.Category)
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("categorized error must unwrap to its cause")
	}
}

func TestWrapCategorizedErrorKeepsInnerCategory(t *testing.T) {
	inner := WrapCategorizedError(ErrorCategoryStorage, errors.New("disk"))
	outer := WrapCategorizedError(ErrorCategoryNetwork, fmt.Errorf("handshake: %w", inner))
	if got := ErrorCategory(outer); got != ErrorCategoryStorage {
		t.Fatalf("expected inner category storage, got %q", got)
	}
}

func TestErrorCategoryDefaults(t *testing.T) {
	if got := ErrorCategory(WrapCategorizedError("unknown", errors.New("x"))); got != ErrorCategoryAPI {
		t.Fatalf("expected api for unknown category, got %q", got)
	}
	if got := ErrorCategory(errors.New("plain")); got != ErrorCategoryAPI {
		t.Fatalf("expected api default, got %q", got)
	}
	if WrapCategorizedError(ErrorCategoryCrypto, nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestErrorCategoryNormalizesLabel(t *testing.T) {
	err := &CategorizedError{Category: " Storage ", Err: errors.New("disk full")}
	if got := ErrorCategory(fmt.Errorf("save message: %w", err)); got != ErrorCategoryStorage {
		t.Fatalf("expected storage label, got %q", got)
	}
	if got := WrapCategorizedError("NETWORK", errors.New("dial")); ErrorCategory(got) != ErrorCategoryNetwork {
		t.Fatalf("expected network label, got %q", ErrorCategory(got))
	}
}
