package log

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const redacted = "******"

// secretKeys are field keys whose values never reach a log sink.
var secretKeys = []string{"password", "passwd", "secret", "token", "client-key", "clientkey"}

// toFields turns logr-style key/value arguments into zap fields.
// A bare error or zap.Field takes one slot; everything else is read as
// key/value pairs.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			continue
		case error:
			fields = append(fields, zap.Error(v))
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, ok := args[i].(string)
		if !ok {
			fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", i/2),
				map[string]any{"key": args[i], "value": args[i+1]}))
		} else {
			fields = append(fields, field(key, args[i+1]))
		}
		i++
	}

	return fields
}

// field builds a single typed field. zap.Any already picks the typed
// constructor for primitives, times and durations.
func field(key string, val any) zap.Field {
	if isSecret(key) {
		if s, ok := val.(string); ok && s == "" {
			return zap.String(key, "")
		}
		return zap.String(key, redacted)
	}

	switch v := val.(type) {
	case error:
		return zap.NamedError(key, v)
	case []byte:
		// MQTT payloads are mostly text
		return zap.ByteString(key, v)
	case time.Time, time.Duration:
		return zap.Any(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	}
	return zap.Any(key, val)
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
