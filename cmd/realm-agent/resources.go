package main

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// resourceSampler estimates this process's CPU/memory usage for the
// status frame's cpu_percent/mem_percent fields: CPU from rusage deltas
// between successive samples, memory from the Go runtime's MemStats.Sys
// against the host's MemTotal, rather than a heavyweight OS-stats
// dependency.
type resourceSampler struct {
	lastWall time.Time
	lastCPU  time.Duration
	numCPU   int
	memTotal uint64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		lastWall: time.Now(),
		numCPU:   runtime.NumCPU(),
		memTotal: systemMemTotalBytes(),
	}
}

// Sample returns (cpuPercent, memPercent): CPU averaged since the
// previous call, memory as of this call.
func (r *resourceSampler) Sample() (float64, float64) {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	cpu := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond +
		time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond

	now := time.Now()
	wallDelta := now.Sub(r.lastWall)
	cpuDelta := cpu - r.lastCPU
	r.lastWall, r.lastCPU = now, cpu

	cpuPercent := 0.0
	if wallDelta > 0 && r.numCPU > 0 {
		cpuPercent = 100 * float64(cpuDelta) / (float64(wallDelta) * float64(r.numCPU))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if r.memTotal > 0 {
		memPercent = 100 * float64(mem.Sys) / float64(r.memTotal)
	}
	return cpuPercent, memPercent
}

// systemMemTotalBytes reads MemTotal from /proc/meminfo; 0 on any
// platform or parse failure, which callers treat as "percent unknown".
func systemMemTotalBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}
