package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Service is what a buyer asks for: either free text or an opaque JSON document.
type Service struct {
	text       string
	structured json.RawMessage
}

// TextService returns a free-text service.
func TextService(s string) Service { return Service{text: s} }

// StructuredService returns a service holding a JSON document.
func StructuredService(raw json.RawMessage) Service {
	return Service{structured: append(json.RawMessage(nil), raw...)}
}

// IsStructured reports whether the service holds a JSON document.
func (s Service) IsStructured() bool { return len(s.structured) > 0 }

// IsZero reports whether the service is empty.
func (s Service) IsZero() bool {
	return !s.IsStructured() && strings.TrimSpace(s.text) == ""
}

// String returns the text used for matching and display. Structured services
// are rendered as compact JSON.
func (s Service) String() string {
	if !s.IsStructured() {
		return s.text
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, s.structured); err != nil {
		return string(s.structured)
	}
	return buf.String()
}

func (s Service) MarshalJSON() ([]byte, error) {
	if s.IsStructured() {
		return s.structured, nil
	}
	return json.Marshal(s.text)
}

func (s *Service) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return errors.New("empty service")
	case bytes.Equal(data, []byte("null")):
		*s = Service{}
	case data[0] == '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = TextService(text)
	default:
		if !json.Valid(data) {
			return errors.New("service is not valid json")
		}
		*s = StructuredService(data)
	}
	return nil
}
