// Copyright 2019 - 2025 The Samply Community
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DurationStatistics summarizes a set of measured request durations: mean,
// max and the 50/95/99 percentiles. The run summary prints the mean, the
// 95th percentile and the max after every acquisition or hydration command.
type DurationStatistics struct {
	Mean, Q50, Q95, Q99, Max time.Duration
}

// CalculateDurationStatistics computes DurationStatistics over durations
// given in seconds. An empty input yields the zero value.
func CalculateDurationStatistics(durations []float64) DurationStatistics {
	if len(durations) == 0 {
		return DurationStatistics{}
	}

	sort.Float64s(durations)
	return DurationStatistics{
		Mean: secondsToDuration(stat.Mean(durations, nil)),
		Q50:  secondsToDuration(stat.Quantile(0.5, stat.Empirical, durations, nil)),
		Q95:  secondsToDuration(stat.Quantile(0.95, stat.Empirical, durations, nil)),
		Q99:  secondsToDuration(stat.Quantile(0.99, stat.Empirical, durations, nil)),
		Max:  secondsToDuration(durations[len(durations)-1]),
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds*1000) * time.Millisecond
}

// FmtBytesHumanReadable formats a byte count with a binary unit suffix, up
// to PiB.
func FmtBytesHumanReadable(bytes float32) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

	unitIdx := 0
	for bytes > 1024 && unitIdx < len(units)-1 {
		bytes /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%.2f %s", bytes, units[unitIdx])
}

// FmtDurationHumanReadable formats d with millisecond precision under a
// minute and second precision from a minute up.
func FmtDurationHumanReadable(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
