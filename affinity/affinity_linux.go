//go:build linux

package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func pin(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

// Allowed returns the cpus the calling thread may run on
func Allowed() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		all := make([]int, runtime.NumCPU())
		for i := range all {
			all[i] = i
		}
		return all
	}

	var cpus []int
	for cpu := 0; cpu < len(set)*64 && len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}
