package cmdutil

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// Decoder decodes an env file.
type Decoder interface {
	Decode() (map[string]string, error)
}

// MapDecoder is a Decoder backed by a fixed map.
type MapDecoder map[string]string

// Decode implements Decoder.
func (m MapDecoder) Decode() (map[string]string, error) {
	return m, nil
}

// Populate populates an object with environment variables.
//
// The environment has precedence over the decoders, earlier
// decoders have precedence over later decoders.
func Populate(object interface{}, decoders ...Decoder) error {
	decoderMap, err := getDecoderMap(decoders)
	if err != nil {
		return err
	}
	return populateInternal(reflect.ValueOf(object), decoderMap, false, false)
}

// PopulateDefaults will parse the tags of the given structure and populate each
// field with a default value (if specified in the tags). This is meant for use
// by tests, which do not want to read from env vars.
func PopulateDefaults(object interface{}) error {
	return populateInternal(reflect.ValueOf(object), nil, false, true)
}

const (
	cannotParseErr              = "cannot parse"
	envKeyNotSetWhenRequiredErr = "env key not set when required"
	expectedPointerErr          = "expected pointer"
	expectedStructErr           = "expected struct"
	fieldTypeNotAllowedErr      = "field type not allowed"
	invalidTagErr               = "invalid tag, must be KEY,{required},{default=DEFAULT_VALUE}"
)

// Types that are parsed from a single value instead of by kind.
var knownTypes = map[reflect.Type]func(string) (any, error){
	reflect.TypeOf(time.Duration(0)): func(x string) (any, error) {
		return time.ParseDuration(x) //nolint:wrapcheck
	},
}

func populateInternal(reflectValue reflect.Value, decoderMap map[string]string, recursive, defaultsOnly bool) error {
	if reflectValue.Type().Kind() == reflect.Ptr {
		reflectValue = reflectValue.Elem()
	} else if !recursive {
		return errors.Errorf("%s: %v", expectedPointerErr, reflectValue.Type())
	}
	if reflectValue.Type().Kind() != reflect.Struct {
		return errors.Errorf("%s: %v", expectedStructErr, reflectValue.Type())
	}

	for i := 0; i < reflectValue.NumField(); i++ {
		structField := reflectValue.Type().Field(i)
		if structField.Type.Kind() == reflect.Struct {
			if err := populateInternal(reflectValue.Field(i).Addr(), decoderMap, true, defaultsOnly); err != nil {
				return err
			}
			continue
		}
		envTag, err := getEnvTag(structField)
		if err != nil {
			return err
		}
		if envTag == nil {
			continue
		}
		value := envTag.defaultValue
		if !defaultsOnly {
			value = getValue(envTag.key, envTag.defaultValue, decoderMap)
		}
		if value == "" {
			if envTag.required && !defaultsOnly {
				return errors.Errorf("%s: %s %v", envKeyNotSetWhenRequiredErr, envTag.key, reflectValue.Type())
			}
			continue
		}
		parsedValue, err := parseField(structField, value)
		if err != nil {
			return errors.Wrapf(err, "%s", envTag.key)
		}
		reflectValue.Field(i).Set(reflect.ValueOf(parsedValue).Convert(structField.Type))
	}
	return nil
}

func getDecoderMap(decoders []Decoder) (map[string]string, error) {
	env := make(map[string]string)
	for _, decoder := range decoders {
		subEnv, err := decoder.Decode()
		if err != nil {
			return nil, errors.EnsureStack(err)
		}
		for key, value := range subEnv {
			if value != "" {
				if _, ok := env[key]; !ok {
					env[key] = value
				}
			}
		}
	}
	return env, nil
}

func getValue(key string, defaultValue string, decoderMap map[string]string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := decoderMap[key]; value != "" {
		return value
	}
	return defaultValue
}

type envTag struct {
	key          string
	required     bool
	defaultValue string
}

func getEnvTag(structField reflect.StructField) (*envTag, error) {
	tag := structField.Tag.Get("env")
	if tag == "" {
		return nil, nil
	}
	split := strings.SplitN(tag, ",", 2)
	envTag := &envTag{
		key: split[0],
	}
	if len(split) == 1 {
		return envTag, nil
	}
	split = strings.SplitN(strings.TrimSpace(split[1]), "=", 2)
	switch split[0] {
	case "required":
		envTag.required = true
	case "default":
		if len(split) != 2 {
			return nil, errors.Errorf("%s: %s", invalidTagErr, tag)
		}
		envTag.defaultValue = split[1]
	default:
		return nil, errors.Errorf("%s: %s", invalidTagErr, tag)
	}
	return envTag, nil
}

func parseField(structField reflect.StructField, value string) (interface{}, error) {
	if parser, ok := knownTypes[structField.Type]; ok {
		v, err := parser(value)
		if err != nil {
			return nil, errors.Wrap(err, cannotParseErr)
		}
		return v, nil
	}
	fieldKind := structField.Type.Kind()
	switch fieldKind {
	case reflect.Bool:
		parsedValue, err := strconv.ParseBool(value)
		if err != nil {
			return nil, errors.Wrap(err, cannotParseErr)
		}
		return parsedValue, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsedValue, err := strconv.ParseInt(value, 10, structField.Type.Bits())
		if err != nil {
			return nil, errors.Wrap(err, cannotParseErr)
		}
		return reflect.ValueOf(parsedValue).Convert(structField.Type).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		parsedValue, err := strconv.ParseUint(value, 10, structField.Type.Bits())
		if err != nil {
			return nil, errors.Wrap(err, cannotParseErr)
		}
		return reflect.ValueOf(parsedValue).Convert(structField.Type).Interface(), nil
	case reflect.Float32, reflect.Float64:
		parsedValue, err := strconv.ParseFloat(value, structField.Type.Bits())
		if err != nil {
			return nil, errors.Wrap(err, cannotParseErr)
		}
		return reflect.ValueOf(parsedValue).Convert(structField.Type).Interface(), nil
	case reflect.String:
		return value, nil
	default:
		return nil, errors.Errorf("%s: %v", fieldTypeNotAllowedErr, fieldKind)
	}
}
