package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Settings is a flat registry of typed job parameters with defaults, meant to
// back a single command-line flag: declare every parameter with its default,
// then parse the user's "param1=value1;param2=value2;..." string against it.
// The default values also set the type the string values are parsed to.
type Settings struct {
	order  []string
	values map[string]any
}

// NewSettings returns an empty settings registry.
func NewSettings() *Settings {
	return &Settings{values: make(map[string]any)}
}

// Declare registers a parameter and its default value (which also fixes its
// type). It returns the settings, so calls can be cascaded.
func (s *Settings) Declare(name string, defaultValue any) *Settings {
	if _, found := s.values[name]; !found {
		s.order = append(s.order, name)
	}
	s.values[name] = defaultValue
	return s
}

// Get returns the current value of a declared parameter. It panics if the
// parameter was never declared or the type doesn't match the declaration.
func Get[T any](s *Settings, name string) T {
	value, found := s.values[name]
	if !found {
		panic(errors.Errorf("settings parameter %q was never declared", name))
	}
	typed, ok := value.(T)
	if !ok {
		panic(errors.Errorf("settings parameter %q is a %T, not a %T", name, value, typed))
	}
	return typed
}

// Parse applies settings -- typically the contents of a flag set by the
// user. The settings are a list separated by ";": e.g.:
// "param1=value1;param2=value2;...". Every parameter must have been declared
// beforehand.
//
// For integer types, "_" is removed: it allows one to enter large numbers
// using it as a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// An entry like "file:settings_file.txt" reads the file and parses its
// settings, with new-lines working as ";" and lines starting with "#"
// considered comments.
//
// It returns the names of the parameters set, and an error in case a
// parameter is unknown or the parsing failed.
func (s *Settings) Parse(settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = s.parseSetting(setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func (s *Settings) parseSetting(setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = s.parseSetting(setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
			setting, setting)
		return
	}
	paramName, valueStr := parts[0], parts[1]
	value, found := s.values[paramName]
	if !found {
		err = errors.Errorf("can't set parameter %q because it was never declared", paramName)
		return
	}

	// Parse value accordingly.
	// Is there a better way of doing this using reflection?
	switch v := value.(type) {
	case int:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int32:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int64:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		elems := strings.Split(valueStr, ",")
		ints := make([]int, len(elems))
		for i, str := range elems {
			str = strings.Replace(str, "_", "", -1)
			if newErr := json.Unmarshal([]byte(str), &ints[i]); newErr != nil {
				err = newErr
			}
		}
		value = ints
	case []float64:
		elems := strings.Split(valueStr, ",")
		nums := make([]float64, len(elems))
		for i, str := range elems {
			if newErr := json.Unmarshal([]byte(str), &nums[i]); newErr != nil {
				err = newErr
			}
		}
		value = nums
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q",
			value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (current value is %#v)", valueStr, paramName, value)
		return
	}
	s.values[paramName] = value
	newParamsSet = append(newParamsSet, paramName)
	return
}

// CreateFlag creates a string flag with the given flagName (if empty it will
// be named "set") whose usage message lists every declared parameter and its
// default. Pass the parsed flag value to Parse after flag.Parse().
func (s *Settings) CreateFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set job parameters. It should be a list of elements "param=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" considered comments. `+
			`Current available parameters that can be set:`)
	for _, name := range s.order {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, s.values[name]))
	}
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// String pretty-prints the current parameter values.
func (s *Settings) String() string {
	parts := make([]string, 0, len(s.order))
	for _, name := range s.order {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, s.values[name], s.values[name]))
	}
	return strings.Join(parts, "\n")
}
