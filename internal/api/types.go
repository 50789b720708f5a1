package api

import (
	"github.com/bilbercode/gencam/internal/camera"
)

type CameraAPI interface {
	CameraServiceServer
	SetCameraService(service camera.Service)
}
