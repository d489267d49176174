package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gordian-engine/sharedmap"
)

var errUsage = errors.New("usage")

// runCommand applies a single command line to m, writing any result to out.
// Blank lines and lines starting with '#' are ignored.
func runCommand(ctx context.Context, m *sharedmap.Map, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "set":
		key, value, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			return fmt.Errorf("%w: set <key> <json>", errUsage)
		}
		return m.Set(key, json.RawMessage(strings.TrimSpace(value)))

	case "delete":
		if rest == "" {
			return fmt.Errorf("%w: delete <key>", errUsage)
		}
		return m.Delete(rest)

	case "remove":
		return m.RemoveEntriesByKeys(strings.Fields(rest)...)

	case "get":
		v, ok := m.Get(rest)
		if !ok {
			_, err := fmt.Fprintln(out, "null")
			return err
		}
		_, err := fmt.Fprintln(out, string(v))
		return err

	case "has":
		_, err := fmt.Fprintln(out, m.Has(rest))
		return err

	case "contains":
		_, err := fmt.Fprintln(out, m.Contains(rest))
		return err

	case "keys":
		for _, k := range m.Keys() {
			if _, err := fmt.Fprintln(out, k); err != nil {
				return err
			}
		}
		return nil

	case "flush":
		return m.Flush(ctx)

	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// updateLine is the JSON form of an update printed by watch.
type updateLine struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func writeUpdate(out io.Writer, u sharedmap.Update) error {
	b, err := json.Marshal(updateLine{Key: u.Key, Value: u.Value, Deleted: u.Deleted})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
