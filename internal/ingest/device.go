// Package ingest resolves device roots and loads their logs into usage events.
package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/janekbaraniewski/fleetusage/internal/parsers"
)

// Device is one machine's log root. Name is what reports show; it defaults to
// the base name of Path.
type Device struct {
	Name string
	Path string
}

// ParseDeviceSpec accepts "PATH" or "NAME=PATH".
func ParseDeviceSpec(spec string) (Device, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Device{}, fmt.Errorf("ingest: empty device")
	}
	name, path, ok := strings.Cut(spec, "=")
	if !ok {
		path, name = spec, ""
	}
	path = ExpandHome(strings.TrimSpace(path))
	name = strings.TrimSpace(name)
	if path == "" {
		return Device{}, fmt.Errorf("ingest: device %q has no path", spec)
	}
	if name == "" {
		name = deviceName(path)
	}
	return Device{Name: name, Path: path}, nil
}

// DevicesInDataDir treats every immediate subdirectory of dir as a device.
func DevicesInDataDir(dir string) ([]Device, error) {
	dir = ExpandHome(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read data dir: %w", err)
	}
	var devices []Device
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		devices = append(devices, Device{Name: e.Name(), Path: filepath.Join(dir, e.Name())})
	}
	return devices, nil
}

// Resolve merges devices from a data directory, a name->path map and explicit
// specs. The result is sorted by name. Reusing a name for a different path is
// an error.
func Resolve(dataDir string, named map[string]string, specs []string) ([]Device, error) {
	var all []Device
	if strings.TrimSpace(dataDir) != "" {
		found, err := DevicesInDataDir(dataDir)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d, err := ParseDeviceSpec(name + "=" + named[name])
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}
	for _, spec := range specs {
		d, err := ParseDeviceSpec(spec)
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}

	byName := make(map[string]Device, len(all))
	for _, d := range all {
		if prev, ok := byName[d.Name]; ok {
			if filepath.Clean(prev.Path) != filepath.Clean(d.Path) {
				return nil, fmt.Errorf("ingest: device %q given twice (%s, %s)", d.Name, prev.Path, d.Path)
			}
			continue
		}
		byName[d.Name] = d
	}
	out := make([]Device, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CollectFiles returns the parseable log files under root, sorted. A root
// that is itself a file is returned as-is when its extension is supported.
// Unreadable subdirectories are reported through skipped and otherwise
// ignored.
func CollectFiles(root string) (files []string, skipped []string, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		if parsers.Extensions[strings.ToLower(filepath.Ext(root))] {
			return []string{root}, nil, nil
		}
		return nil, nil, fmt.Errorf("unsupported file type %q", filepath.Ext(root))
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			skipped = append(skipped, fmt.Sprintf("%s: %v", path, walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if parsers.Extensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	sort.Strings(files)
	return files, skipped, nil
}

func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func deviceName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if ext := filepath.Ext(base); parsers.Extensions[strings.ToLower(ext)] {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
