package driver

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Factory builds a driver bound to a logger.
type Factory func(logger *log.Entry) Camera

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available by name. Registering the same name twice
// panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("driver %s registered twice", name))
	}
	registry[name] = f
}

// New builds the named driver.
func New(name string, logger *log.Entry) (Camera, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown camera driver %q (available: %v)", name, Names())
	}
	if logger == nil {
		logger = log.WithField("driver", name)
	}
	return f(logger), nil
}

// Names lists registered drivers.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
