package amf

// Properties returns the property map of an Object or ECMAArray value, or
// nil for anything else.
func Properties(v any) map[string]any {
	switch val := v.(type) {
	case Object:
		return val
	case ECMAArray:
		return val
	case map[string]any:
		return val
	}
	return nil
}

// StringProp returns the string property key of an object-like value.
func StringProp(v any, key string) (string, bool) {
	props := Properties(v)
	if props == nil {
		return "", false
	}
	s, ok := props[key].(string)
	return s, ok
}

// NumberProp returns the numeric property key of an object-like value.
func NumberProp(v any, key string) (float64, bool) {
	props := Properties(v)
	if props == nil {
		return 0, false
	}
	f, ok := props[key].(float64)
	return f, ok
}
