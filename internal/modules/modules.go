// Package modules bundles the modules compiled into the hive binary
package modules

import (
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/modules/randomsearch"
	"github.com/ChuLiYu/hive-exec/internal/modules/testfunctions"
)

// Builtins returns the manifests of the bundled modules
func Builtins() []module.Manifest {
	return []module.Manifest{
		testfunctions.Manifest(),
		randomsearch.Manifest(),
	}
}

// RegisterBuiltins adds the bundled module factories to registry
func RegisterBuiltins(registry *module.Registry) {
	registry.Register(testfunctions.Name, testfunctions.New)
	registry.Register(randomsearch.Name, randomsearch.New)
}

// Source describes the bundled modules to the resolver
func Source() module.Source {
	return &module.StaticSource{Manifests: Builtins()}
}
