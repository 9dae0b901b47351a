//go:build !unix

package measure

import "syscall"

func socketBufferControl(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
