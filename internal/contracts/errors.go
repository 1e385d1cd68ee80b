// Package contracts tags errors with the layer that produced them (vault and
// key derivation, the message store, the broker link) so metrics can count
// failures per layer.
package contracts

import (
	"errors"
	"strings"
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

var knownCategories = map[string]struct{}{
	ErrorCategoryCrypto:  {},
	ErrorCategoryStorage: {},
	ErrorCategoryNetwork: {},
}

// CategorizedError reads as its cause; Category is only for metric labels.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// categoryOrDefault maps anything unrecognised to the api bucket.
func categoryOrDefault(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if _, ok := knownCategories[category]; ok {
		return category
	}
	return ErrorCategoryAPI
}

// WrapCategorizedError tags err unless something below already did: a
// storage failure surfacing through the handshake still counts as storage.
func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *CategorizedError
	if errors.As(err, &tagged) {
		return err
	}
	return &CategorizedError{Category: categoryOrDefault(category), Err: err}
}

// ErrorCategory returns the label RecordError files err under.
func ErrorCategory(err error) string {
	var tagged *CategorizedError
	if !errors.As(err, &tagged) {
		return ErrorCategoryAPI
	}
	return categoryOrDefault(tagged.Category)
}
