//go:build !cuda

package num

import "github.com/pkg/errors"

func newGPUDevice() (Device, error) {
	return nil, errors.New("built without cuda support: rebuild with -tags cuda")
}
