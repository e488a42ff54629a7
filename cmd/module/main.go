package main

import (
	"headperception/models"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: models.PerceptionCoordinator},
		resource.APIModel{API: camera.API, Model: models.AimingCamera},
	)
}
