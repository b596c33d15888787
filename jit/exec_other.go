//go:build !(linux && amd64)

package jit

// Compile is not supported on this platform, the code can still be inspected.
func (c *Code) Compile() (*Function, error) {
	return nil, ErrUnsupportedPlatform
}

// Run is not supported on this platform.
func (f *Function) Run(mem []byte) (uint64, error) {
	return 0, ErrUnsupportedPlatform
}
