package log

import (
	"strconv"

	"go.uber.org/zap"
)

// toFields turns logr-style arguments into zap fields. Arguments are
// consumed left to right: a zap.Field or a bare error stands alone, any
// other argument starts a key/value pair. A trailing key without a value
// and pairs with a non-string key are kept under synthetic keys so nothing
// is dropped.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case zap.Field:
			fields = append(fields, a)
			continue
		case error:
			fields = append(fields, zap.Error(a))
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any("arg#"+strconv.Itoa(i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i++
		name, ok := key.(string)
		if !ok {
			fields = append(fields, zap.Any("badkey#"+strconv.Itoa(i/2), []any{key, val}))
			continue
		}
		if err, ok := val.(error); ok {
			fields = append(fields, zap.NamedError(name, err))
			continue
		}
		// zap.Any picks the typed constructor for primitives, durations,
		// times, string slices, byte slices, marshalers and Stringers.
		fields = append(fields, zap.Any(name, val))
	}
	return fields
}
