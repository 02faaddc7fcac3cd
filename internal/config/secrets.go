package config

import (
	"log/slog"
	"reflect"
)

const redacted = "***"

// Redacted returns a deep copy of c with every non-empty secret:"true"
// string replaced by "***".
func (c *Config) Redacted() Config {
	out := *c
	redactValue(reflect.ValueOf(&out).Elem())
	return out
}

// LogValue renders the redacted configuration, so a *Config can be passed
// straight to slog.
func (c *Config) LogValue() slog.Value {
	return slog.AnyValue(c.Redacted())
}

func redactValue(v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f, sf := v.Field(i), t.Field(i)
		if !sf.IsExported() {
			continue
		}
		switch f.Kind() {
		case reflect.Struct:
			redactValue(f)
		case reflect.Slice:
			// Detach from the original backing array.
			if !f.IsNil() {
				cp := reflect.MakeSlice(f.Type(), f.Len(), f.Len())
				reflect.Copy(cp, f)
				f.Set(cp)
			}
		case reflect.String:
			if sf.Tag.Get("secret") == "true" && f.String() != "" {
				f.SetString(redacted)
			}
		}
	}
}
