package broker

import (
	"fmt"
	"net"
	"strconv"

	"github.com/glimte/p2pmq/contracts"
)

// resolvePort checks that addr can be bound. Port 0 is replaced by a free port.
func resolvePort(addr contracts.NetworkHostAndPort) (contracts.NetworkHostAndPort, error) {
	host := addr.Host
	if host == "" {
		host = "localhost"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(addr.Port)))
	if err != nil {
		return contracts.NetworkHostAndPort{}, &contracts.PortInUseError{
			Address: contracts.NetworkHostAndPort{Host: host, Port: addr.Port},
			Err:     err,
		}
	}
	defer ln.Close()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return contracts.NetworkHostAndPort{}, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}
	return contracts.NetworkHostAndPort{Host: host, Port: tcpAddr.Port}, nil
}

// FreePort returns a port on host that nothing listens on at the time of the call
func FreePort(host string) (int, error) {
	addr, err := resolvePort(contracts.NetworkHostAndPort{Host: host})
	if err != nil {
		return 0, err
	}
	return addr.Port, nil
}
