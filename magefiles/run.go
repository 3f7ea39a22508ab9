//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the engine on the headless device for the number of frames in $FRAMES.
func (Run) Headless() error {
	return runEngine("headless")
}

// Runs the engine on the first Vulkan GPU.
func (Run) Vulkan() error {
	return runEngine("vulkan")
}

func runEngine(backend string) error {
	mg.Deps(Build.Binary)

	frames := os.Getenv("FRAMES")
	if frames == "" {
		frames = "0"
	}
	config := fmt.Sprintf("configs/%s.toml", backend)
	if _, err := os.Stat(config); err != nil {
		config = "config.toml"
	}
	fmt.Printf("Run engine on %s...\n", backend)
	_, err := executeCmd("bin/framegraph", withArgs("-config", config, "-frames", frames), withStream())
	return err
}
