package native

import (
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend"
)

func init() {
	backend.Register(backend.BackendNative, func() (framegraph.Device, error) {
		d, err := Open()
		if err != nil {
			return nil, err
		}
		return d, nil
	})
	backend.Register(backend.BackendNoop, func() (framegraph.Device, error) {
		d, err := OpenBackend(noop.API{})
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}
