//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and builds the framegraph binary into bin/.
func (Build) Binary() error {
	if err := goTidy(); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("build", "-o", "bin/framegraph", "."), withStream())
	return err
}

// Runs go vet on every package.
func (Build) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}

type Test mg.Namespace

// Runs the unit tests with the race detector. Vulkan tests skip without a GPU.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs only the Vulkan device tests, with verbose output.
func (Test) Vulkan() error {
	_, err := executeCmd("go", withArgs("test", "-v", "-run", "Device", "./engine/renderer/vulkan/"), withStream())
	return err
}
