package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	onnxrt "github.com/yalue/onnxruntime_go"
)

const (
	osLinux    = "linux"
	osDarwin   = "darwin"
	osWindows  = "windows"
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

var initMu sync.Mutex

// EnsureInitialized locates the ONNX Runtime shared library and
// initializes the runtime environment once per process. Safe to call
// from every session constructor.
func EnsureInitialized(useGPU bool) error {
	initMu.Lock()
	defer initMu.Unlock()

	if onnxrt.IsInitialized() {
		return nil
	}
	if err := SetLibraryPath(useGPU); err != nil {
		return fmt.Errorf("onnx lib path: %w", err)
	}
	if err := onnxrt.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx: %w", err)
	}
	return nil
}

// getSystemLibraryPaths returns system library paths to try, prioritizing GPU or CPU based on useGPU.
func getSystemLibraryPaths(useGPU bool) []string {
	if useGPU {
		return []string{
			"/opt/onnxruntime/gpu/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
		}
	}
	return []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
	}
}

// findProjectRoot finds the project root directory by looking for go.mod.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	projectRoot := cwd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			return projectRoot, nil
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", errors.New("could not find project root")
		}
		projectRoot = parent
	}
}

// getLibraryName returns the appropriate library filename for the current OS.
func getLibraryName() (string, error) {
	switch runtime.GOOS {
	case osLinux:
		return libLinux, nil
	case osDarwin:
		return libDarwin, nil
	case osWindows:
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// trySetLibraryPath attempts to set the ONNX library path if the file exists.
func trySetLibraryPath(path string) bool {
	if _, err := os.Stat(path); err == nil {
		onnxrt.SetSharedLibraryPath(path)
		return true
	}
	return false
}

// SetLibraryPath sets the path to the ONNX Runtime shared library.
// The LEAFDX_ONNX_LIB environment variable wins over discovery.
// If useGPU is true, GPU libraries are prioritized.
func SetLibraryPath(useGPU bool) error {
	if p := os.Getenv("LEAFDX_ONNX_LIB"); p != "" {
		if trySetLibraryPath(p) {
			return nil
		}
		return fmt.Errorf("ONNX Runtime library not found at %s (LEAFDX_ONNX_LIB)", p)
	}

	systemPaths := getSystemLibraryPaths(useGPU)
	for _, path := range systemPaths {
		if trySetLibraryPath(path) {
			return nil
		}
	}

	projectRoot, err := findProjectRoot()
	if err != nil {
		return err
	}

	libName, err := getLibraryName()
	if err != nil {
		return err
	}

	if useGPU {
		gpuLibPath := filepath.Join(projectRoot, "onnxruntime", "gpu", "lib", libName)
		if trySetLibraryPath(gpuLibPath) {
			return nil
		}
	}

	libPath := filepath.Join(projectRoot, "onnxruntime", "lib", libName)
	if !trySetLibraryPath(libPath) {
		return fmt.Errorf("ONNX Runtime library not found at %s", libPath)
	}

	return nil
}
