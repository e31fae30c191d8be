// Package main is a module which serves the sign-tracker and sign-detector vision models.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/sign-tracking/detector"
	"github.com/viam-modules/sign-tracking/tracker"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: vision.API, Model: tracker.Model},
		resource.APIModel{API: vision.API, Model: detector.Model},
	)
}
