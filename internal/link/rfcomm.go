package link

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultRFCOMMChannel is the SPP channel used by Attys firmware.
const DefaultRFCOMMChannel = 1

// ParseBDAddr parses "00:11:22:33:44:55" into the little-endian byte order
// the kernel expects in sockaddr_rc.
func ParseBDAddr(s string) ([6]uint8, error) {
	var out [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return out, fmt.Errorf("invalid bluetooth address %q", s)
		}
		out[5-i] = uint8(v)
	}
	return out, nil
}
