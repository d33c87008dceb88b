// Package config loads the kvwatch and kvcollect property files.
//
// Each binary is given a configuration directory holding its property file
// (kvwatch.properties or kvcollect.properties). Values are layered as
// defaults, then file, then environment (KVWATCH_<KEY> / KVCOLLECT_<KEY>,
// key upper-cased). Keys are case-insensitive.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/magiconair/properties"
	"github.com/spf13/viper"
)

// ErrConfiguration is wrapped by every load or validation failure.
var ErrConfiguration = errors.New("config: invalid configuration")

// resolvePath accepts a directory holding fileName or a direct file path.
func resolvePath(path, fileName string) (string, error) {
	if path == "" {
		path = "."
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, fileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	return path, nil
}

// newViper builds a viper instance with defaults, the property file merged
// in, and an explicit env binding for every known key.
func newViper(path, envPrefix string, defaults map[string]any, keys []string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	settings, err := readProperties(path)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("%w: merge %s: %w", ErrConfiguration, path, err)
	}

	for _, k := range keys {
		if err := v.BindEnv(k, envPrefix+"_"+strings.ToUpper(k)); err != nil {
			return nil, fmt.Errorf("config: bind env for %s: %w", k, err)
		}
	}
	return v, nil
}

// readProperties loads a property file and nests dotted keys, so
// "targets.a.watchDirectory" becomes targets -> a -> watchDirectory.
// Backslash escapes follow property-file rules, so a regex class like \d
// must be written \\d.
func readProperties(path string) (map[string]any, error) {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
	}

	out := make(map[string]any)
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		if err := setNested(out, strings.Split(key, "."), value); err != nil {
			return nil, fmt.Errorf("%w: %s: key %q: %w", ErrConfiguration, path, key, err)
		}
	}
	return out, nil
}

func setNested(m map[string]any, path []string, value string) error {
	for i, part := range path {
		if part == "" {
			return errors.New("empty key segment")
		}
		if i == len(path)-1 {
			if _, isMap := m[part].(map[string]any); isMap {
				return errors.New("conflicts with a nested key")
			}
			m[part] = value
			return nil
		}
		next, ok := m[part]
		if !ok {
			child := make(map[string]any)
			m[part] = child
			m = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return errors.New("conflicts with a plain key")
		}
		m = child
	}
	return nil
}

func unmarshal(v *viper.Viper, path string, out any) error {
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	_ = val.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return val
}

func check(path string, cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, path, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, path, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	name := fe.Namespace()
	if _, rest, ok := strings.Cut(name, "."); ok {
		name = strings.TrimPrefix(rest, "Target.")
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "regexp":
		return fmt.Sprintf("%s: invalid regular expression %q", name, fe.Value())
	case "url":
		return fmt.Sprintf("%s: invalid URL %q", name, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", name, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s=%s (got %v)", name, fe.Tag(), fe.Param(), fe.Value())
	}
}
