package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// PublishToStream XADDs values to stream, stringifying scalars and JSON-encoding everything else.
// maxLen > 0 trims the stream approximately to that many entries.
func PublishToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		var strValue string
		switch val := v.(type) {
		case string:
			strValue = val
		case []byte:
			strValue = string(val)
		case int:
			strValue = fmt.Sprintf("%d", val)
		case int64:
			strValue = fmt.Sprintf("%d", val)
		case float64:
			strValue = fmt.Sprintf("%f", val)
		case bool:
			if val {
				strValue = "true"
			} else {
				strValue = "false"
			}
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			strValue = string(jsonBytes)
		}
		streamValues[k] = strValue
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream publishes data under the "data" field together with a unix "timestamp"
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, maxLen, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	})
}
