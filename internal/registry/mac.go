package registry

import (
	"encoding/hex"
	"net"
	"strings"

	"github.com/tphummel/rocks_monitor/internal/apperr"
)

// CanonicalMAC normalises a 48-bit MAC address to upper-case colon form
// ("AA:BB:CC:DD:EE:FF"). Colon, hyphen and dot separated input is accepted,
// as is bare 12-digit hex.
func CanonicalMAC(s string) (string, error) {
	s = strings.TrimSpace(s)

	var hw net.HardwareAddr
	if len(s) == 12 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return "", invalidMAC()
		}
		hw = b
	} else {
		var err error
		if hw, err = net.ParseMAC(s); err != nil {
			return "", invalidMAC()
		}
	}
	if len(hw) != 6 {
		return "", invalidMAC()
	}
	return strings.ToUpper(hw.String()), nil
}

func invalidMAC() error {
	return apperr.Invalid("mac_address", "must be a MAC address like AA:BB:CC:DD:EE:FF")
}
