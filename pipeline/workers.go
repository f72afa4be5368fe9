package pipeline

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// memPerWorker is the memory budget assumed per concurrent chunk.
	memPerWorker = 512 << 20
	// MaxWorkers caps automatic sizing.
	MaxWorkers = 16
)

// WorkerCount sizes the pool from the machine: one worker per physical core,
// no more than available memory / 512 MiB, at most MaxWorkers, at least 1.
func WorkerCount() int {
	cores, err := cpu.Counts(false)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}

	byMem := MaxWorkers
	if vm, err := mem.VirtualMemory(); err == nil {
		byMem = int(vm.Available / memPerWorker)
	}
	return clampWorkers(cores, byMem)
}

func clampWorkers(cores, byMem int) int {
	return max(min(cores, byMem, MaxWorkers), 1)
}
