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
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/kardianos/osext"
	"golang.org/x/sync/errgroup"

	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/set"
)

// loadedPlugin tracks one resolved plugin.
type loadedPlugin struct {
	name       string
	library    string
	descriptor *Plugin
	requires   []Designator
}

// Loader owns the configuration, resolves plugins, orders them by their
// required-plugin edges and drives the lifecycle: init in dependency order,
// one worker per section whose plugin has a Start callback, join, deinit in
// reverse order.
type Loader struct {
	cfg     *Config
	appInfo *AppInfo

	plugins map[string]*loadedPlugin
	// initOrder lists plugins dependencies-first; deinitOrder records the
	// plugins whose Init succeeded, in init order.
	initOrder   []string
	deinitOrder []string

	workers errgroup.Group
}

// NewLoader builds a loader for the given program name and configuration.
// The AppInfo folders come from the config defaults.
func NewLoader(program string, cfg *Config) *Loader {
	get := func(option, fallback string) string {
		v, err := cfg.Defaults().GetDefault(option, fallback)
		if err != nil {
			return fallback
		}
		return v
	}
	return &Loader{
		cfg: cfg,
		appInfo: &AppInfo{
			Program:       program,
			PluginFolder:  get("plugin_folder", defaultPluginFolder()),
			LoggingFolder: get("logging_folder", ""),
			RuntimeFolder: get("runtime_folder", "."),
			ConfigFolder:  get("config_folder", "."),
			DataFolder:    get("data_folder", "."),
			Config:        cfg,
		},
		plugins: map[string]*loadedPlugin{},
	}
}

func defaultPluginFolder() string {
	dir, err := osext.ExecutableFolder()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "plugins")
}

// AppInfo returns the context passed to plugin Init and Deinit.
func (l *Loader) AppInfo() *AppInfo {
	return l.appInfo
}

// checkConfig is the fill-and-check pass run after every config read: every
// section without a library option gets one set to its section name, and
// all sections sharing a name must resolve to the same library.
func (l *Loader) checkConfig() error {
	byName := map[string][]*ConfigSection{}
	for _, section := range l.cfg.Sections() {
		if !section.HasOwn("library") {
			if err := section.Set("library", section.Name); err != nil {
				return err
			}
		}
		byName[section.Name] = append(byName[section.Name], section)
	}
	for _, sections := range byName {
		if len(sections) < 2 {
			continue
		}
		first := sections[0]
		firstLib, _ := first.Get("library")
		for _, other := range sections[1:] {
			otherLib, _ := other.Get("library")
			if otherLib != firstLib {
				return badSectionf(
					"library mismatch between sections '%s' and '%s': '%s' != '%s'",
					first.fullName(), other.fullName(), firstLib, otherLib)
			}
		}
	}
	return nil
}

// LoadAll resolves the plugin for every configured section, including the
// transitive closure of required plugins.
func (l *Loader) LoadAll() error {
	if err := l.checkConfig(); err != nil {
		return err
	}
	for _, section := range sortedSections(l.cfg) {
		if _, err := l.load(section.Name, section.Key); err != nil {
			return err
		}
	}
	return nil
}

// Load resolves the plugin for the only section with the given name; more
// or fewer than one such section is an error.
func (l *Loader) Load(name string) (*Plugin, error) {
	sections := l.cfg.GetSections(name)
	switch len(sections) {
	case 0:
		return nil, badSectionf("section '%s' does not exist", name)
	case 1:
		return l.load(name, sections[0].Key)
	default:
		return nil, badSectionf("section name '%s' is ambiguous (please use a key)", name)
	}
}

func (l *Loader) load(name, key string) (*Plugin, error) {
	section, err := l.cfg.Get(name, key)
	if err != nil {
		return nil, err
	}
	library, err := section.GetDefault("library", name)
	if err != nil {
		return nil, err
	}
	return l.loadFrom(name, library)
}

// loadFrom resolves pluginName from libraryName, verifies the ABI and
// recursively loads required plugins, checking their versions against the
// designators.
func (l *Loader) loadFrom(pluginName, libraryName string) (*Plugin, error) {
	descriptor, err := lookupDescriptor(pluginName, libraryName)
	if err != nil {
		return nil, err
	}
	if cached, ok := l.plugins[pluginName]; ok {
		if cached.descriptor != descriptor {
			return nil, logicErrorf(
				"plugin '%s' resolved twice with different descriptors", pluginName)
		}
		return cached.descriptor, nil
	}

	if descriptor.ABIVersion>>8 != ABIVersion>>8 {
		return nil, badPluginf(
			"plugin '%s' has incompatible ABI version %d.%d (harness is %d.%d)",
			pluginName, descriptor.ABIVersion>>8, descriptor.ABIVersion&0xff,
			ABIVersion>>8, ABIVersion&0xff)
	}
	if descriptor.ABIVersion&0xff > ABIVersion&0xff {
		return nil, badPluginf(
			"plugin '%s' needs ABI minor %d but harness provides %d",
			pluginName, descriptor.ABIVersion&0xff, ABIVersion&0xff)
	}
	for _, conflict := range descriptor.Conflicts {
		if _, ok := l.plugins[conflict]; ok {
			return nil, badPluginf("plugin '%s' conflicts with loaded plugin '%s'",
				pluginName, conflict)
		}
	}

	entry := &loadedPlugin{
		name:       pluginName,
		library:    libraryName,
		descriptor: descriptor,
	}
	// Install before recursing so dependency cycles terminate; the
	// topological sort reports them.
	l.plugins[pluginName] = entry

	for _, expr := range descriptor.Requires {
		if expr == "" {
			continue
		}
		d, err := ParseDesignator(expr)
		if err != nil {
			return nil, err
		}
		entry.requires = append(entry.requires, d)
		depLibrary := d.Name
		if sections := l.cfg.GetSections(d.Name); len(sections) == 1 {
			if lib, err := sections[0].GetDefault("library", d.Name); err == nil {
				depLibrary = lib
			}
		}
		dep, err := l.loadFrom(d.Name, depLibrary)
		if err != nil {
			return nil, err
		}
		if !d.VersionGood(dep.Version) {
			return nil, badPluginf(
				"plugin '%s' requires '%s' but loaded version of '%s' is %s",
				pluginName, expr, d.Name, dep.Version)
		}
	}
	return descriptor, nil
}

type visitState int

const (
	unvisited visitState = iota
	ongoing
	visited
)

// topsort orders the loaded plugins dependencies-first via a depth-first
// walk; an Ongoing node reached again signals a dependency cycle.
func (l *Loader) topsort() ([]string, error) {
	states := map[string]visitState{}
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch states[name] {
		case visited:
			return nil
		case ongoing:
			return logicErrorf("cycle in plugin dependencies involving '%s'", name)
		}
		states[name] = ongoing
		plugin := l.plugins[name]
		for _, d := range plugin.requires {
			if _, ok := l.plugins[d.Name]; !ok {
				return badPluginf("plugin '%s' requires unloaded plugin '%s'", name, d.Name)
			}
			if err := visit(d.Name); err != nil {
				return err
			}
		}
		states[name] = visited
		order = append(order, name)
		return nil
	}

	names := set.ToSet(l.plugins).Keys()
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Init computes the topological order and invokes every plugin's Init in
// dependency order. The first failure aborts startup; plugins already
// initialized stay initialized for the caller to Deinit.
func (l *Loader) Init() error {
	order, err := l.topsort()
	if err != nil {
		return err
	}
	l.initOrder = order
	for _, name := range order {
		plugin := l.plugins[name]
		if plugin.descriptor.Init == nil {
			l.deinitOrder = append(l.deinitOrder, name)
			continue
		}
		if err := plugin.descriptor.Init(l.appInfo); err != nil {
			return badPluginf("plugin '%s' init failed: %v", name, err)
		}
		l.deinitOrder = append(l.deinitOrder, name)
	}
	return nil
}

// Start spawns one worker per configured section whose plugin descriptor
// has a Start callback. Worker panics are recovered and logged; they never
// cross the goroutine boundary.
func (l *Loader) Start() {
	for _, section := range sortedSections(l.cfg) {
		plugin, ok := l.plugins[section.Name]
		if !ok || plugin.descriptor.Start == nil {
			continue
		}
		section := section
		name := section.fullName()
		l.workers.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("plugin worker '%s' panicked: %v", name, r)
				}
				if err != nil {
					logs.Errorf("plugin worker '%s' terminated: %v", name, err)
					RequestStop()
				}
			}()
			return plugin.descriptor.Start(section)
		})
	}
}

// Join waits for every worker to exit and returns the first worker error.
func (l *Loader) Join() error {
	return l.workers.Wait()
}

// Deinit calls every successfully initialized plugin's Deinit in reverse
// init order. Errors are logged and aggregated but never short-circuit the
// phase.
func (l *Loader) Deinit() error {
	var result *multierror.Error
	for i := len(l.deinitOrder) - 1; i >= 0; i-- {
		name := l.deinitOrder[i]
		plugin := l.plugins[name]
		if plugin.descriptor.Deinit == nil {
			continue
		}
		if err := plugin.descriptor.Deinit(l.appInfo); err != nil {
			logs.Errorf("plugin '%s' deinit failed: %v", name, err)
			result = multierror.Append(result, fmt.Errorf("plugin '%s': %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// Run drives the whole lifecycle: load, init, start, join, deinit. Startup
// failures return immediately after deinitializing whatever was
// initialized.
func (l *Loader) Run() error {
	if err := l.LoadAll(); err != nil {
		return err
	}
	if err := l.Init(); err != nil {
		l.Deinit()
		return err
	}
	l.Start()
	workerErr := l.Join()
	if err := l.Deinit(); err != nil && workerErr == nil {
		workerErr = err
	}
	return workerErr
}

func sortedSections(cfg *Config) []*ConfigSection {
	sections := cfg.Sections()
	sort.Slice(sections, func(i, j int) bool {
		if sections[i].Name != sections[j].Name {
			return sections[i].Name < sections[j].Name
		}
		return sections[i].Key < sections[j].Key
	})
	return sections
}
