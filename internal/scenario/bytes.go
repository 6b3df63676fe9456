package scenario

import (
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bytes is an attribute or advertising value. It decodes from a hex string
// ("0x0a0b", "0a 0b", "0a:0b"), from a sequence of integers, or from a
// mapping with a text key holding a UTF-8 string.
type Bytes []byte

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		v, err := parseHex(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*b = v
		return nil

	case yaml.SequenceNode:
		var ints []int
		if err := node.Decode(&ints); err != nil {
			return err
		}
		out := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 0xff {
				return fmt.Errorf("line %d: byte value %d out of range", node.Line, n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil

	case yaml.MappingNode:
		var text struct {
			Text *string `yaml:"text"`
		}
		if err := node.Decode(&text); err != nil {
			return err
		}
		if text.Text == nil {
			return fmt.Errorf("line %d: value mapping needs a text key", node.Line)
		}
		*b = Bytes(*text.Text)
		return nil
	}
	return fmt.Errorf("line %d: unsupported value", node.Line)
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if s == "" {
		return []byte{}, nil
	}
	v, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return v, nil
}
