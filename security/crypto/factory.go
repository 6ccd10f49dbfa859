package crypto

import (
	"fmt"

	"github.com/radman021/nbft/core"
)

// New returns a new crypto implementation with the given name.
// If name is empty, the default implementation (eddsa) is returned.
func New(config *core.RuntimeConfig, name string) (Base, error) {
	switch name {
	case NameEDDSA, "":
		return NewEDDSA(config), nil
	case NameECDSA:
		return NewECDSA(config), nil
	case NameBLS12:
		return NewBLS12(config), nil
	default:
		return nil, fmt.Errorf("crypto: invalid implementation: %q", name)
	}
}
