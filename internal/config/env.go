package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to the upper-cased json key of every field, e.g.
// VISION_GATEWAY_UPSTREAM_BASE_URL.
const EnvPrefix = "VISION_GATEWAY_"

// LoadDotEnv loads path (".env" when empty) into the process environment if
// the file exists. Variables already set are left alone.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return true, nil
}

// EnvKey returns the environment variable that overrides a json key.
func EnvKey(jsonKey string) string {
	return EnvPrefix + strings.ToUpper(jsonKey)
}

func applyEnv(cfg *Config) error {
	m := map[string]interface{}{}
	for key, typ := range fieldTypes() {
		raw, ok := os.LookupEnv(EnvKey(key))
		if !ok {
			continue
		}
		v, err := coerce(typ, strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvKey(key), err)
		}
		m[key] = v
	}
	return merge(cfg, m)
}

// normalizeKinds fixes up flat YAML scalars whose inferred type does not
// match the field, such as an unquoted port number.
func normalizeKinds(m map[string]interface{}) map[string]interface{} {
	types := fieldTypes()
	for key, v := range m {
		typ, ok := types[key]
		if !ok {
			continue
		}
		switch typ.Kind() {
		case reflect.String:
			if _, isString := v.(string); !isString {
				m[key] = fmt.Sprint(v)
			}
		case reflect.Slice:
			if s, isString := v.(string); isString {
				m[key] = splitInlineList(s)
			}
		}
	}
	return m
}

func fieldTypes() map[string]reflect.Type {
	t := reflect.TypeOf(Config{})
	out := make(map[string]reflect.Type, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("json"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = f.Type
	}
	return out
}

func coerce(typ reflect.Type, raw string) (interface{}, error) {
	switch typ.Kind() {
	case reflect.Ptr:
		return coerce(typ.Elem(), raw)
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int, reflect.Int64:
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Slice:
		return splitInlineList(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")), nil
	}
	return nil, fmt.Errorf("unsupported field type %s", typ)
}
