package memory

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get returns the value stored under key. Injected failures apply.
func (t *Transport) Get(_ context.Context, key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("get", "kv"); err != nil {
		return "", false, err
	}
	v, ok := t.kv[key]
	return v, ok, nil
}

// Set stores value under key.
func (t *Transport) Set(_ context.Context, key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("set", "kv"); err != nil {
		return err
	}
	t.kv[key] = value
	return nil
}

// GetJSON decodes the value under key into v.
func (t *Transport) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("memory: decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v under key.
func (t *Transport) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memory: encode %q: %w", key, err)
	}
	return t.Set(ctx, key, string(data))
}
