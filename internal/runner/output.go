package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Source tags which stream an Output item came from.
type Source uint8

const (
	Stdout Source = iota + 1
	Stderr
)

func (s Source) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	switch s {
	case Stdout, Stderr:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown output source %d", uint8(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stdout":
		*s = Stdout
	case "stderr":
		*s = Stderr
	default:
		return fmt.Errorf("unknown output source %q", b)
	}
	return nil
}

// Output is one chunk of bytes read from a run's source. Chunk boundaries
// follow the underlying reads and carry no meaning.
type Output struct {
	Source Source
	Data   []byte
}

// Text returns the payload as UTF-8, replacing invalid sequences with U+FFFD.
func (o Output) Text() string {
	if utf8.Valid(o.Data) {
		return string(o.Data)
	}
	return strings.ToValidUTF8(string(o.Data), string(utf8.RuneError))
}

type outputJSON struct {
	Source Source `json:"source"`
	Text   string `json:"text"`
}

// MarshalJSON renders the item as {"source": ..., "text": ...}.
func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(outputJSON{Source: o.Source, Text: o.Text()})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Output) UnmarshalJSON(b []byte) error {
	var v outputJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Source = v.Source
	o.Data = []byte(v.Text)
	return nil
}
