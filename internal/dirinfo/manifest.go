package dirinfo

import (
	"bufio"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Project identifies the project a directory belongs to.
type Project struct {
	Name string
	// Kind is the manifest family: "rust", "python", "go", or "node".
	Kind string
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

type pyprojectManifest struct {
	Project struct {
		Name string `toml:"name"`
	} `toml:"project"`
}

// findProject walks from dir to the filesystem root looking for a project
// manifest. The first directory containing any manifest decides.
func findProject(dir string) *Project {
	for cur := filepath.Clean(dir); ; cur = filepath.Dir(cur) {
		if p := readManifests(cur); p != nil {
			return p
		}
		if cur == filepath.Dir(cur) {
			return nil
		}
	}
}

func readManifests(dir string) *Project {
	if name := cargoName(filepath.Join(dir, "Cargo.toml")); name != "" {
		return &Project{Name: name, Kind: "rust"}
	}
	if name := pyprojectName(filepath.Join(dir, "pyproject.toml")); name != "" {
		return &Project{Name: name, Kind: "python"}
	}
	if name := goModName(filepath.Join(dir, "go.mod")); name != "" {
		return &Project{Name: name, Kind: "go"}
	}
	if name := packageJSONName(filepath.Join(dir, "package.json")); name != "" {
		return &Project{Name: name, Kind: "node"}
	}
	return nil
}

func cargoName(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	var cargo cargoManifest
	if _, err := toml.Decode(string(data), &cargo); err != nil {
		return ""
	}
	return cargo.Package.Name
}

func pyprojectName(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	var py pyprojectManifest
	if _, err := toml.Decode(string(data), &py); err != nil {
		return ""
	}
	return py.Project.Name
}

// goModName returns the last element of the module path.
func goModName(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if mod, ok := strings.CutPrefix(line, "module "); ok {
			return path.Base(strings.TrimSpace(mod))
		}
	}
	return ""
}

func packageJSONName(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return pkg.Name
}
