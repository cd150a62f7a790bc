package jobs

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQemuBinaryFor_KnownArches(t *testing.T) {
	cases := map[string]string{
		"x86_64":  "qemu-x86_64",
		"amd64":   "qemu-x86_64",
		"aarch64": "qemu-aarch64",
		"arm64":   "qemu-aarch64",
		"arm":     "qemu-arm",
		"x86":     "qemu-i386",
		"386":     "qemu-i386",
		"riscv64": "qemu-riscv64",
	}
	for arch, want := range cases {
		got, err := qemuBinaryFor(arch)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestQemuBinaryFor_UnknownArch(t *testing.T) {
	_, err := qemuBinaryFor("sparc64")
	require.Error(t, err)
}

func TestTargetArch_DefaultsToHostWhenPlatformUnset(t *testing.T) {
	require.Equal(t, runtime.GOARCH, targetArch(Spec{}))
}

func TestTargetArch_ParsesFromTargetingPlatform(t *testing.T) {
	spec := Spec{Targeting: Targeting{Platform: "linux/riscv64"}}
	require.Equal(t, "riscv64", targetArch(spec))
}
