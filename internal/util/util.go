package util

import (
	"net"
	"strconv"
)

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
