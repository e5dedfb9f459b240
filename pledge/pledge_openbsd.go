package pledge

import "golang.org/x/sys/unix"

const supported = true

func narrow(promises string) error {
	return unix.Pledge(promises, "")
}
