// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"fmt"
	"sync"
)

// ABIVersion is the harness plugin ABI tag: high byte is the
// breaking-change major, low byte the additive minor.
const ABIVersion uint16 = 0x0100

// Plugin is a plugin descriptor. Plugins are statically linked and register
// themselves in the process-wide table at init time; the descriptor stays a
// plain data record the way a dynamically-loaded one would be.
type Plugin struct {
	// ABIVersion must share the harness's major and not exceed its minor.
	ABIVersion uint16
	// Brief one-line description.
	Brief string
	// Version of the plugin itself.
	Version Version
	// Requires lists designator expressions for plugins that must be
	// loaded first. Empty strings are tolerated and skipped.
	Requires []string
	// Conflicts lists plugin names that may not be loaded together with
	// this one.
	Conflicts []string

	// Lifecycle callbacks; each may be nil.
	Init   func(*AppInfo) error
	Deinit func(*AppInfo) error
	Start  func(*ConfigSection) error
}

// AppInfo is the context passed to Init and Deinit. It lives for the
// duration of the harness run.
type AppInfo struct {
	Program       string
	PluginFolder  string
	LoggingFolder string
	RuntimeFolder string
	ConfigFolder  string
	DataFolder    string
	Config        *Config
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Plugin{}
)

// Register installs a plugin descriptor under the given library name.
// Registering the same name twice is a programming error.
func Register(name string, plugin *Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("attempt to register duplicate plugin: %q", name))
	}
	registry[name] = plugin
}

// lookupDescriptor resolves the descriptor for pluginName from library
// libraryName. Statically linked plugins all share one symbol table, so the
// lookup tries the descriptor names <plugin>, <plugin>_plugin and
// harness_plugin_<plugin> in order, then the library name itself.
func lookupDescriptor(pluginName, libraryName string) (*Plugin, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tried := []string{}
	for _, symbol := range []string{
		pluginName,
		pluginName + "_plugin",
		"harness_plugin_" + pluginName,
		libraryName,
	} {
		if p, ok := registry[symbol]; ok {
			return p, nil
		}
		tried = append(tried, symbol)
	}
	return nil, badPluginf("plugin '%s' not found in library '%s' (tried %v)", pluginName, libraryName, tried)
}

// registeredPlugins returns a snapshot of the registry, for tests.
func registeredPlugins() map[string]*Plugin {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make(map[string]*Plugin, len(registry))
	for k, v := range registry {
		out[k] = v
	}
	return out
}

var (
	stopOnce sync.Once
	stopCh   = make(chan struct{})
	stopMu   sync.Mutex
)

// Stopping returns a channel closed when harness shutdown is requested.
// Long-running plugin workers select on it between units of work.
func Stopping() <-chan struct{} {
	stopMu.Lock()
	defer stopMu.Unlock()
	return stopCh
}

// RequestStop asks every plugin worker to wind down. Safe to call more than
// once and from any goroutine.
func RequestStop() {
	stopOnce.Do(func() {
		stopMu.Lock()
		defer stopMu.Unlock()
		close(stopCh)
	})
}

// resetStopForTest reinstates the stop channel so harness tests can run
// multiple lifecycles in one process.
func resetStopForTest() {
	stopMu.Lock()
	defer stopMu.Unlock()
	stopOnce = sync.Once{}
	stopCh = make(chan struct{})
}
