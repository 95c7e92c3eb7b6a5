package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a length-prefixed, plugin-tagged endpoint descriptor. It is
// the unit every plugin's StringToAddress/AddressToString round-trips
// through the human-readable grammar:
//
//	plugin_name "." options_hex "." plugin_specific_text
//
// The options field is rendered as exactly eight lowercase hex digits
// with no "0x" prefix so the grammar is unambiguous: the first "." ends
// the plugin name, the second ends the options field, and everything
// after (including further dots) is plugin-specific text.
type Address struct {
	Plugin  string
	Options uint32
	Payload []byte
}

// String renders the address in its canonical human-readable form.
func (a Address) String() string {
	return fmt.Sprintf("%s.%08x.%s", a.Plugin, a.Options, string(a.Payload))
}

// ParseAddress is the inverse of String. It fails on malformed input:
// a missing plugin name, a missing or non-hex options field, or an
// options field that is not exactly parseable as a 32-bit value.
func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: address %q missing plugin/options/payload segments", ErrInvalidAddress, s)
	}
	plugin, optionsHex, payload := parts[0], parts[1], parts[2]
	if plugin == "" {
		return Address{}, fmt.Errorf("%w: address %q has empty plugin name", ErrInvalidAddress, s)
	}
	options, err := strconv.ParseUint(optionsHex, 16, 32)
	if err != nil {
		return Address{}, fmt.Errorf("%w: address %q has malformed options field: %v", ErrInvalidAddress, s, err)
	}
	return Address{
		Plugin:  plugin,
		Options: uint32(options),
		Payload: []byte(payload),
	}, nil
}

// Equal reports whether two addresses are identical byte-for-byte.
func (a Address) Equal(o Address) bool {
	if a.Plugin != o.Plugin || a.Options != o.Options {
		return false
	}
	if len(a.Payload) != len(o.Payload) {
		return false
	}
	for i := range a.Payload {
		if a.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// MarshalBinary renders the address as a length-prefixed binary blob:
// a leading options word (big-endian u32), a length-prefixed plugin
// name tag, and the plugin-specific payload bytes.
func (a Address) MarshalBinary() ([]byte, error) {
	if len(a.Plugin) > 0xff {
		return nil, fmt.Errorf("%w: plugin name too long", ErrInvalidAddress)
	}
	buf := make([]byte, 0, 4+1+len(a.Plugin)+len(a.Payload))
	buf = append(buf, byte(a.Options>>24), byte(a.Options>>16), byte(a.Options>>8), byte(a.Options))
	buf = append(buf, byte(len(a.Plugin)))
	buf = append(buf, a.Plugin...)
	buf = append(buf, a.Payload...)
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (a *Address) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: address blob too short", ErrInvalidAddress)
	}
	options := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	pluginLen := int(data[4])
	if len(data) < 5+pluginLen {
		return fmt.Errorf("%w: address blob truncated before plugin name", ErrInvalidAddress)
	}
	a.Options = options
	a.Plugin = string(data[5 : 5+pluginLen])
	a.Payload = append([]byte(nil), data[5+pluginLen:]...)
	return nil
}
