package store

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
)

// ErrInvalidPragma is a configuration error: a pragma name or value that
// cannot be safely rendered into SQL.
var ErrInvalidPragma = errors.New("invalid pragma")

var (
	pragmaNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pragmaValueRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// renderPragma turns a configured pragma into a statement. Names and values
// are interpolated, so both go through an allow-list first.
func renderPragma(name string, value any) (string, error) {
	if !pragmaNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: name %q", ErrInvalidPragma, name)
	}
	v, err := renderPragmaValue(value)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidPragma, name, err)
	}
	return fmt.Sprintf("PRAGMA %s = %s", name, v), nil
}

func renderPragmaValue(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return "ON", nil
		}
		return "OFF", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return renderFloat(float64(v))
	case float64:
		return renderFloat(v)
	case string:
		if !pragmaValueRe.MatchString(v) {
			return "", fmt.Errorf("value %q contains disallowed characters", v)
		}
		return v, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func renderFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("value %v is not a finite number", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// setupStatements returns the per-connection setup in the order it runs:
// busy timeout, journal mode, foreign keys, then extra pragmas sorted by name.
func (c Config) setupStatements() ([]string, error) {
	stmts := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeoutMS),
	}
	if c.EnableWAL {
		stmts = append(stmts, "PRAGMA journal_mode = WAL")
	}
	stmts = append(stmts, "PRAGMA foreign_keys = ON")

	names := make([]string, 0, len(c.Pragmas))
	for name := range c.Pragmas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stmt, err := renderPragma(name, c.Pragmas[name])
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}
