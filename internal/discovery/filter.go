package discovery

import (
	"path"
	"runtime"
	"strings"
)

var defaultIncludes = map[string][]string{
	"linux":   {"ttyACM*", "ttyUSB*"},
	"darwin":  {"tty.usbmodem*", "tty.usbserial*", "cu.usbmodem*", "cu.usbserial*"},
	"windows": {"COM*"},
}

// Console-class and bluetooth nodes open successfully but never answer
var defaultExcludes = []string{
	"ttyS*",
	"ttyAMA*",
	"ttyprintk",
	"console",
	"tty[0-9]*",
	"rfcomm*",
	"tty.Bluetooth*",
	"cu.Bluetooth*",
}

// PathFilter accepts serial device paths by base-name glob
type PathFilter struct {
	include []string
	exclude []string
	fold    bool
}

// DefaultPathFilter returns the filter for the running host
func DefaultPathFilter() *PathFilter {
	return NewPathFilter(runtime.GOOS, nil, nil)
}

// NewPathFilter builds a filter for goos. Empty include or exclude lists use
// the platform defaults.
func NewPathFilter(goos string, include, exclude []string) *PathFilter {
	if len(include) == 0 {
		include = defaultIncludes[goos]
		if include == nil {
			include = defaultIncludes["linux"]
		}
	}
	if len(exclude) == 0 {
		exclude = defaultExcludes
	}

	return &PathFilter{
		include: include,
		exclude: exclude,
		fold:    goos == "windows",
	}
}

// Accept reports whether the path is a candidate serial endpoint
func (f *PathFilter) Accept(devicePath string) bool {
	name := baseName(devicePath)
	if f.fold {
		name = strings.ToUpper(name)
	}

	for _, pattern := range f.exclude {
		if f.match(pattern, name) {
			return false
		}
	}
	for _, pattern := range f.include {
		if f.match(pattern, name) {
			return true
		}
	}
	return false
}

func (f *PathFilter) match(pattern, name string) bool {
	if f.fold {
		pattern = strings.ToUpper(pattern)
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func baseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Base(p)
}
