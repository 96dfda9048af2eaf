package platform

import "testing"

func TestDetect(t *testing.T) {
	none := func(string) bool { return false }
	tests := []struct {
		name        string
		goos        string
		distro      string
		procVersion string
		exists      func(string) bool
		want        Platform
	}{
		{"darwin", "darwin", "", "", none, PlatformMacOS},
		{"windows", "windows", "", "", none, PlatformWindows},
		{"freebsd", "freebsd", "", "", none, PlatformUnknown},
		{"native linux", "linux", "", "Linux version 6.8.0-generic", none, PlatformLinux},
		{"wsl2 kernel", "linux", "Ubuntu", "Linux version 5.15.90.1-microsoft-standard-WSL2", none, PlatformWSL2},
		{"wsl1 kernel", "linux", "", "Linux version 4.4.0-19041-Microsoft", none, PlatformWSL1},
		{"wsl by distro, vsock present", "linux", "Debian", "", func(p string) bool { return p == "/dev/vsock" }, PlatformWSL2},
		{"wsl by distro, nothing else", "linux", "Debian", "", none, PlatformWSL1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detect(tt.goos, tt.distro, tt.procVersion, tt.exists); got != tt.want {
				t.Errorf("detect() = %s, want %s", got, tt.want)
			}
		})
	}

	if Detect() != Detect() {
		t.Error("Detect() not cached")
	}
}

func TestPlatformString(t *testing.T) {
	tests := []struct {
		platform Platform
		expected string
	}{
		{PlatformMacOS, "macOS"},
		{PlatformLinux, "Linux"},
		{PlatformWSL1, "WSL1"},
		{PlatformWSL2, "WSL2"},
		{PlatformWindows, "Windows"},
		{PlatformUnknown, "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.platform.String(); got != tt.expected {
			t.Errorf("Platform(%s).String() = %s, want %s", tt.platform, got, tt.expected)
		}
	}
}

func TestSupportsUnixSockets(t *testing.T) {
	for p, want := range map[Platform]bool{
		PlatformMacOS:   true,
		PlatformLinux:   true,
		PlatformWSL2:    true,
		PlatformWSL1:    false,
		PlatformWindows: false,
		PlatformUnknown: false,
	} {
		if got := p.SupportsUnixSockets(); got != want {
			t.Errorf("%s.SupportsUnixSockets() = %v, want %v", p, got, want)
		}
	}
}

func TestMountFSType(t *testing.T) {
	mounts := `/dev/sda1 / ext4 rw 0 0
C:\134 /mnt/c 9p rw 0 0
server:/export /mnt/nfs nfs4 rw 0 0
server:/export/deep /mnt/nfs/deep ext4 rw 0 0
`
	tests := []struct {
		path string
		want string
	}{
		{"/home/me/.tmux-collab/config.toml", "ext4"},
		{"/mnt/c/Users/me/config.toml", "9p"},
		{"/mnt/nfs/config.toml", "nfs4"},
		{"/mnt/nfs/deep/config.toml", "ext4"},
		{"/mnt/cdrom/config.toml", "ext4"},
	}
	for _, tt := range tests {
		if got := mountFSType(tt.path, mounts); got != tt.want {
			t.Errorf("mountFSType(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
