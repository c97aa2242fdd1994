/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
//go:build linux

package cmd

import (
	"fmt"

	perf "github.com/hodgesds/perf-utils"
)

// measure runs fn, counting the CPU instructions it retires when counting
// was requested. Counting needs perf events permission; without it fn runs
// uncounted.
func measure(counted bool, fn func() error) error {
	if !counted {
		return fn()
	}
	var (
		ran    bool
		runErr error
	)
	pv, err := perf.CPUInstructions(func() error {
		ran = true
		runErr = fn()
		return runErr
	})
	if err != nil {
		if ran {
			return runErr
		}
		fmt.Printf("perf counters unavailable: %s\n", err.Error())
		return fn()
	}
	fmt.Printf("CPU instructions = %d (enabled %d ns, running %d ns)\n",
		pv.Value, pv.TimeEnabled, pv.TimeRunning)
	return runErr
}
