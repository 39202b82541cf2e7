package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	SchemeSerial = "serial"
	SchemeUDP    = "udp"
	SchemeUDPOut = "udpout"
	SchemeTCP    = "tcp"
	SchemeSim    = "sim"

	DefaultBaud = 57600
)

// Endpoint is a parsed flight controller connection string of the form
// scheme://device[:baud].
//
//	serial:///dev/ttyAMA0:57600  serial port at 57600 baud
//	udp://:14540                 listen for the autopilot on UDP 14540
//	udpout://10.0.0.2:14550      send to the autopilot
//	tcp://127.0.0.1:5760         connect to SITL
//	sim://                       in-process simulated flight controller
type Endpoint struct {
	Scheme  string
	Address string
	Baud    int
}

func (e Endpoint) String() string {
	if e.Scheme == SchemeSerial {
		return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Address, e.Baud)
	}
	return fmt.Sprintf("%s://%s", e.Scheme, e.Address)
}

func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "connection string %q", s)
	}

	switch u.Scheme {
	case SchemeSerial:
		device := u.Host + u.Path
		baud := DefaultBaud
		if i := strings.LastIndex(device, ":"); i >= 0 {
			baud, err = strconv.Atoi(device[i+1:])
			if err != nil || baud <= 0 {
				return Endpoint{}, errors.Errorf("connection string %q: invalid baud rate", s)
			}
			device = device[:i]
		}
		if device == "" {
			return Endpoint{}, errors.Errorf("connection string %q: missing device path", s)
		}
		return Endpoint{Scheme: SchemeSerial, Address: device, Baud: baud}, nil
	case SchemeUDP, SchemeUDPOut, SchemeTCP:
		if u.Host == "" {
			return Endpoint{}, errors.Errorf("connection string %q: missing address", s)
		}
		if _, err := strconv.Atoi(u.Port()); err != nil {
			return Endpoint{}, errors.Errorf("connection string %q: missing port", s)
		}
		if u.Scheme != SchemeUDP && u.Hostname() == "" {
			return Endpoint{}, errors.Errorf("connection string %q: missing host", s)
		}
		return Endpoint{Scheme: u.Scheme, Address: u.Host}, nil
	case SchemeSim:
		return Endpoint{Scheme: SchemeSim, Address: u.Host}, nil
	}

	return Endpoint{}, errors.Errorf("connection string %q: unsupported scheme %q", s, u.Scheme)
}
