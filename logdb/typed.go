package logdb

import (
	"fmt"

	"github.com/beyondbrewing/brewery-logdb/codec"
)

// Write encodes key and value with package codec and stores them through h.
func Write[K, V any](h *Handle, key K, value V, overwrite bool) error {
	k, err := codec.Marshal(key)
	if err != nil {
		return fmt.Errorf("logdb: encode key: %w", err)
	}
	v, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("logdb: encode value: %w", err)
	}
	return h.Write(k, v, overwrite)
}

// Read loads and decodes the value stored under key. A missing key returns
// ErrKeyNotFound; stored bytes that do not decode as V return an error
// wrapping codec.ErrDecode.
func Read[V, K any](h *Handle, key K) (V, error) {
	var out V

	k, err := codec.Marshal(key)
	if err != nil {
		return out, fmt.Errorf("logdb: encode key: %w", err)
	}
	raw, err := h.Read(k)
	if err != nil {
		return out, err
	}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("logdb: value for key %x: %w", k, err)
	}
	return out, nil
}

// Exists reports whether key is present.
func Exists[K any](h *Handle, key K) (bool, error) {
	k, err := codec.Marshal(key)
	if err != nil {
		return false, fmt.Errorf("logdb: encode key: %w", err)
	}
	return h.Exists(k)
}

// Erase removes key.
func Erase[K any](h *Handle, key K) error {
	k, err := codec.Marshal(key)
	if err != nil {
		return fmt.Errorf("logdb: encode key: %w", err)
	}
	return h.Erase(k)
}
