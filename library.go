package main

import (
	"os"
	"path/filepath"
	"runtime"
)

// onnxLibraryName is the platform file name of the onnxruntime shared library.
func onnxLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveLibraryPath returns the configured library path, or the first
// lib/<name> found next to the executable or in the working directory. An
// empty result leaves the choice to the runtime's own default.
func resolveLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "lib"))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, "lib"))
	}

	name := onnxLibraryName()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
