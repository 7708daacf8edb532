//go:build !opencl

package compute

func newOpenCLPlatform() (Platform, error) {
	return nil, ErrUnsupported
}
