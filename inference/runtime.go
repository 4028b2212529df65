package inference

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

// DefaultLibraryPath picks the onnxruntime shared library under ./lib for
// the running platform.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./lib/onnxruntime.dll"
	case "darwin":
		return fmt.Sprintf("./lib/libonnxruntime_%s.dylib", runtime.GOARCH)
	default:
		return fmt.Sprintf("./lib/libonnxruntime_%s.so", runtime.GOARCH)
	}
}

// Initialize loads the shared library and creates the ONNX environment once.
func Initialize(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("onnxruntime library: %w", err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx environment: %w", err)
	}
	return nil
}

func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// CPUFeatures lists the vector extensions onnxruntime can use on this host.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasAVX512 {
			features = append(features, "avx512")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
	}
	return features
}

// ThreadsPerSession splits the CPUs between poolSize sessions.
func ThreadsPerSession(poolSize int) int {
	if poolSize < 1 {
		poolSize = 1
	}
	return max(runtime.NumCPU()/poolSize, 1)
}
