package binsniff_test

import (
	"encoding/binary"
	"testing"

	"github.com/realmhq/realm-agent/internal/binsniff"
	"github.com/stretchr/testify/require"
)

func elfHeader(machine uint16) []byte {
	raw := make([]byte, 24)
	copy(raw, []byte{0x7F, 'E', 'L', 'F'})
	raw[4] = 2 // 64-bit
	raw[5] = 1 // little-endian
	binary.LittleEndian.PutUint16(raw[18:20], machine)
	return raw
}

func TestSniff_ELF_X86_64(t *testing.T) {
	t.Parallel()
	headers, err := binsniff.Sniff(elfHeader(0x3E))
	require.NoError(t, err)
	require.Equal(t, []binsniff.Header{{OS: binsniff.OSLinux, Arch: binsniff.ArchX86_64}}, headers)
}

func TestSniff_ELF_AArch64(t *testing.T) {
	t.Parallel()
	headers, err := binsniff.Sniff(elfHeader(0xB7))
	require.NoError(t, err)
	require.Equal(t, binsniff.ArchAArch64, headers[0].Arch)
}

func TestSniff_PE_AMD64(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 0x200)
	raw[0] = 'M'
	raw[1] = 'Z'
	binary.LittleEndian.PutUint32(raw[0x3C:0x40], 0x80)
	copy(raw[0x80:0x84], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(raw[0x84:0x86], 0x8664)

	headers, err := binsniff.Sniff(raw)
	require.NoError(t, err)
	require.Equal(t, []binsniff.Header{{OS: binsniff.OSWindows, Arch: binsniff.ArchX86_64}}, headers)
}

func TestSniff_MachOFatUniversal_AnyArchMatches(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 8+2*20)
	binary.BigEndian.PutUint32(raw[0:4], 0xCAFEBABE)
	binary.BigEndian.PutUint32(raw[4:8], 2)
	binary.BigEndian.PutUint32(raw[8:12], 0x01000007)  // x86_64
	binary.BigEndian.PutUint32(raw[28:32], 0x0100000C) // arm64

	headers, err := binsniff.Sniff(raw)
	require.NoError(t, err)
	require.Len(t, headers, 2)

	matches := false
	for _, h := range headers {
		if h.Arch == binsniff.ArchAArch64 || h.Arch == binsniff.ArchX86_64 {
			matches = true
		}
	}
	require.True(t, matches, "universal binary with host arch among its slices must match")
}

func TestSniff_Unrecognized(t *testing.T) {
	t.Parallel()
	_, err := binsniff.Sniff([]byte("not a binary"))
	require.ErrorIs(t, err, binsniff.ErrUnrecognized)
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	h, err := binsniff.ParsePlatform("linux/x86_64")
	require.NoError(t, err)
	require.Equal(t, binsniff.Header{OS: binsniff.OSLinux, Arch: binsniff.ArchX86_64}, h)

	_, err = binsniff.ParsePlatform("garbage")
	require.Error(t, err)
}

func TestMatchesHost(t *testing.T) {
	t.Parallel()
	host := binsniff.HostHeader()
	require.True(t, binsniff.MatchesHost([]binsniff.Header{host}))
	require.False(t, binsniff.MatchesHost([]binsniff.Header{{OS: "nonexistent", Arch: "nonexistent"}}))
}
