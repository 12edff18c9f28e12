package badgerstore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Records are stored as BSON documents. Times are kept at millisecond
// precision.

func serializeDoc(doc map[string]any) ([]byte, error) {
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func deserializeDoc(data []byte) (map[string]any, error) {
	var raw bson.M
	if err := bson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	doc, _ := normalize(raw).(map[string]any)
	return doc, nil
}

// normalize converts decoded BSON values to the plain Go types records are
// made of: int, float64, time.Time, []any and map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case bson.M:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		return normalizeSlice(x)
	case []any:
		return normalizeSlice(x)
	case int32:
		return int(x)
	case int64:
		return int(x)
	case primitive.DateTime:
		return x.Time().UTC()
	case time.Time:
		return x.UTC()
	case primitive.Binary:
		return x.Data
	case primitive.Null, primitive.Undefined:
		return nil
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

func normalizeSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = normalize(v)
	}
	return out
}

// catalogEntry is the stored definition of a table.
type catalogEntry struct {
	PrimaryKey string      `bson:"primaryKey"`
	Indexes    []indexMeta `bson:"indexes"`
}

type indexMeta struct {
	Name  string `bson:"name"`
	Field string `bson:"field"`
	Kind  string `bson:"kind,omitempty"`
}
