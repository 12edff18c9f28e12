package dynamostore

import (
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cube3power/nothinkdb/engine"
)

// Records are stored with attributevalue's default encoding. Times are
// stored as RFC 3339 strings and read back as strings.

func marshalDoc(doc map[string]any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return item, nil
}

func unmarshalDoc(item map[string]types.AttributeValue) (map[string]any, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return normalizeMap(doc), nil
}

func marshalKey(field string, key any) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return map[string]types.AttributeValue{field: av}, nil
}

// normalize turns integral numbers into ints, matching the values the
// embedded store returns.
func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int(x)
		}
	case map[string]any:
		return normalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func scalarType(kind engine.KeyKind) types.ScalarAttributeType {
	switch kind {
	case engine.KeyKindN:
		return types.ScalarAttributeTypeN
	case engine.KeyKindB:
		return types.ScalarAttributeTypeB
	}
	return types.ScalarAttributeTypeS
}

// keyString identifies a primary key value within one table.
func keyString(key any) string {
	if f, ok := key.(float64); ok && f == math.Trunc(f) {
		return fmt.Sprint(int64(f))
	}
	return fmt.Sprint(key)
}
