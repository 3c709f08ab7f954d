//go:build linux

package executor

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho turns off input echo and output CR translation on the child
// side of the PTY so delivered input lines do not bounce back as stdout.
func disableEcho(tty *os.File) error {
	fd := int(tty.Fd())
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	tio.Lflag &^= unix.ECHO | unix.ECHONL
	tio.Oflag &^= unix.ONLCR
	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}
