package update

import (
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
)

// KeywordSuffix names the companion scope holding a full-text property's
// keywords.
const KeywordSuffix = ".keywords"

// UUIDProperty is the reserved property every indexed entity carries; it
// orders a scope when a query has no predicate.
const UUIDProperty = "uuid"

// indexValues lifts a raw property value into the values it is indexed
// under. Arrays index every element; null and absent values index nothing.
func indexValues(raw any) ([]codec.Value, error) {
	if raw == nil {
		return nil, nil
	}
	items, isList := raw.([]any)
	if !isList {
		items = []any{raw}
	}
	out := make([]codec.Value, 0, len(items))
	for _, item := range items {
		switch item.(type) {
		case map[string]any, []any:
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "nested %T values cannot be indexed", item)
		}
		v, err := codec.FromAny(item)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "%v", err)
		}
		if v.IsNull() {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// keywordValues projects the string values of a full-text property into
// keyword values.
func keywordValues(values []codec.Value) []codec.Value {
	seen := make(map[string]struct{})
	var out []codec.Value
	for _, v := range values {
		if v.Kind != codec.KindString {
			continue
		}
		for _, kw := range tokenizer.Keywords(v.Str) {
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, codec.String(kw))
		}
	}
	return out
}

func containsExact(values []codec.Value, v codec.Value) bool {
	for _, x := range values {
		if codec.Compare(x, v) == 0 {
			return true
		}
	}
	return false
}
