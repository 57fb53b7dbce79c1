package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc processes one published payload. Handlers must treat payloads
// as immutable; cross-stage communication is strictly by value.
type HandlerFunc func(ctx context.Context, payload interface{})

// Bus is the process-wide publish/subscribe transport. Subscribe takes the
// bare func type so implementations satisfy the domain port directly.
type Bus interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Subscribe(topic string, fn func(ctx context.Context, payload interface{})) (unsubscribe func())
	Close() error
}

// Config contains bus construction settings.
type Config struct {
	Backend    string `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	BufferSize int    `yaml:"buffer_size" default:"1024" validate:"gt=0"`
	KeyPrefix  string `yaml:"key_prefix" default:"siggate:bus"`
}

// As decodes a payload into T. In-process publishes deliver typed values;
// the Redis transport delivers json.RawMessage. Both forms are handled here.
func As[T any](payload interface{}) (*T, error) {
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &v, nil
	case []byte:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &v, nil
	case map[string]interface{}:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload map: %w", err)
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decode payload map: %w", err)
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}
}
