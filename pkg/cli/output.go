package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"
)

// Format is the value of an -o/--format flag.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatTable Format = "table"
)

// ParseFormat checks a flag value against the formats a command supports.
// An empty value selects the first supported format.
func ParseFormat(s string, supported ...Format) (Format, error) {
	if s == "" && len(supported) > 0 {
		return supported[0], nil
	}
	names := make([]string, len(supported))
	for i, f := range supported {
		if Format(s) == f {
			return f, nil
		}
		names[i] = string(f)
	}
	return "", fmt.Errorf("cli: unsupported output format %q (want %s)", s, strings.Join(names, ", "))
}

// Write encodes v to w as a YAML or JSON document. Tables are rendered by
// the caller with Table.
func Write(w io.Writer, v any, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("cli: encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("cli: %s is not a document format", f)
}

// Success prints a confirmation line.
func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "✓ "+format+"\n", args...)
}

// Warning prints a line about something the command tolerated.
func Warning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "⚠ "+format+"\n", args...)
}
