//go:build !opencv

package main

import (
	"fmt"

	"pettycash/internal/capture"
)

// cameraDevices returns the synthetic camera. Rebuild with -tags opencv for
// a physical one.
func cameraDevices(backend string, _ int) (capture.MediaDevices, error) {
	if backend != "virtual" {
		return nil, fmt.Errorf("camera backend %q requires building with -tags opencv", backend)
	}
	return &capture.VirtualDevices{}, nil
}
