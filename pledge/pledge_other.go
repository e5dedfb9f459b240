//go:build !openbsd

package pledge

const supported = false

func narrow(string) error {
	return nil
}
