//go:build !linux

package sysmem

// Available is not implemented outside Linux.
func Available() (uint64, error) {
	return 0, ErrUnsupported
}
