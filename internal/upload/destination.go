package upload

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type destinationKind int

const (
	destinationNone destinationKind = iota
	destinationSingle
	destinationNamed
)

// Destination says where uploaded files land: either one directory for every
// upload, or a set of directories selected by the destination key in a create request.
type Destination struct {
	kind  destinationKind
	dir   string
	named map[string]string
}

// Single sends every upload to dir.
func Single(dir string) Destination {
	return Destination{kind: destinationSingle, dir: filepath.Clean(dir)}
}

// Named sends each upload to the directory registered under its destination key.
func Named(dirs map[string]string) Destination {
	named := make(map[string]string, len(dirs))
	for key, dir := range dirs {
		named[key] = filepath.Clean(dir)
	}
	return Destination{kind: destinationNamed, named: named}
}

// IsNamed reports whether the destination is a key → directory mapping.
func (d Destination) IsNamed() bool {
	return d.kind == destinationNamed
}

// Validate reports a configuration error for an unset or malformed destination.
func (d Destination) Validate() error {
	switch d.kind {
	case destinationSingle:
		if d.dir == "" || d.dir == "." {
			return newError(KindConfiguration, "", ErrMissingDestination)
		}
	case destinationNamed:
		if len(d.named) == 0 {
			return newError(KindConfiguration, "", fmt.Errorf("%w: named destination has no entries", ErrMissingDestination))
		}
		for key, dir := range d.named {
			if key == "" {
				return newError(KindConfiguration, "", fmt.Errorf("named destination has an empty key"))
			}
			if dir == "" || dir == "." {
				return newError(KindConfiguration, "", fmt.Errorf("named destination %q has no directory", key))
			}
		}
	default:
		return newError(KindConfiguration, "", ErrMissingDestination)
	}
	return nil
}

// Dirs lists every configured directory in a stable order.
func (d Destination) Dirs() []string {
	switch d.kind {
	case destinationSingle:
		return []string{d.dir}
	case destinationNamed:
		dirs := make([]string, 0, len(d.named))
		for _, dir := range d.named {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		return dirs
	default:
		return nil
	}
}

// Resolve maps a destination key and a sender-supplied file name to a path.
// The key is ignored for a single destination.
func (d Destination) Resolve(key, name string) (string, error) {
	clean, err := sanitizeName(name)
	if err != nil {
		return "", err
	}

	switch d.kind {
	case destinationSingle:
		return filepath.Join(d.dir, clean), nil
	case destinationNamed:
		if key == "" {
			return "", fmt.Errorf("%w: no destination key given", ErrUnknownDestination)
		}
		dir, ok := d.named[key]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownDestination, key)
		}
		return filepath.Join(dir, clean), nil
	default:
		return "", ErrMissingDestination
	}
}

// sanitizeName normalises name to NFC and rejects anything that is not a plain
// file name, so a sender can never place a file outside its destination directory.
func sanitizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	return name, nil
}
