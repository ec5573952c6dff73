//go:build opencv

package main

import (
	"pettycash/internal/capture"
	"pettycash/internal/capture/opencv"
)

func cameraDevices(backend string, device int) (capture.MediaDevices, error) {
	if backend == "opencv" {
		return opencv.NewDevices(device), nil
	}
	return &capture.VirtualDevices{}, nil
}
