// Package platform detects host quirks that affect tmux sockets and
// file-change notification.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host kind.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, os.Getenv("WSL_DISTRO_NAME"), readFile("/proc/version"), exists)
	})
	return detected
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func detect(goos, wslDistro, procVersion string, exists func(string) bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	isWSL := wslDistro != "" || strings.Contains(strings.ToLower(procVersion), "microsoft")
	if !isWSL {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	switch {
	case strings.Contains(procVersion, "microsoft-standard"):
		return PlatformWSL2
	case strings.Contains(procVersion, "Microsoft"):
		return PlatformWSL1
	case exists("/run/WSL"), exists("/dev/vsock"):
		return PlatformWSL2
	default:
		return PlatformWSL1
	}
}

// SupportsUnixSockets reports whether tmux's unix socket works reliably.
func (p Platform) SupportsUnixSockets() bool {
	switch p {
	case PlatformMacOS, PlatformLinux, PlatformWSL2:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// UnreliableWatchFS returns the filesystem type holding path when file
// events on it are unreliable (9p, NFS, SMB, sshfs), or "" otherwise.
func UnreliableWatchFS(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	fsType := mountFSType(abs, readFile("/proc/mounts"))
	switch {
	case fsType == "9p",
		fsType == "nfs", fsType == "nfs4",
		fsType == "cifs", fsType == "smbfs",
		strings.HasPrefix(fsType, "fuse.sshfs"):
		return fsType
	}
	return ""
}

// mountFSType returns the filesystem type of the longest mount point in a
// /proc/mounts table that contains path.
func mountFSType(path, mounts string) string {
	var best, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint := fields[1]
		if !within(path, mountPoint) || len(mountPoint) <= len(best) {
			continue
		}
		best, fsType = mountPoint, fields[2]
	}
	return fsType
}

func within(path, dir string) bool {
	if dir == "/" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}
